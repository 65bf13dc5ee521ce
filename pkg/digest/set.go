package digest

// EntryType distinguishes the two local store key spaces a Digest may
// live in: opaque file bytes, or a canonical encoded directory
// manifest. The empty digest is reported as Directory, since it is
// the canonical encoding of an empty directory as well as an empty
// file.
type EntryType int

const (
	// File is an opaque byte blob.
	File EntryType = iota
	// Directory is the canonical protobuf encoding of a directory
	// manifest.
	Directory
)

func (t EntryType) String() string {
	if t == Directory {
		return "Directory"
	}
	return "File"
}

// Set is an unordered collection of distinct digests, used to
// describe the input to FindMissingBlobs and the result of expanding
// a directory tree.
type Set map[Digest]struct{}

// NewSet builds a Set from a slice of digests.
func NewSet(digests ...Digest) Set {
	s := make(Set, len(digests))
	for _, d := range digests {
		s[d] = struct{}{}
	}
	return s
}

// Add inserts a digest into the set.
func (s Set) Add(d Digest) {
	s[d] = struct{}{}
}

// Contains reports whether d is a member of the set.
func (s Set) Contains(d Digest) bool {
	_, ok := s[d]
	return ok
}

// ToSlice returns the set's elements in no particular order.
func (s Set) ToSlice() []Digest {
	out := make([]Digest, 0, len(s))
	for d := range s {
		out = append(out, d)
	}
	return out
}

// TotalSizeBytes sums the size of every digest in the set. Used by
// the coordinator's upload-vs-probe heuristic.
func (s Set) TotalSizeBytes() int64 {
	var total int64
	for d := range s {
		total += d.GetSizeBytes()
	}
	return total
}

// Difference returns the digests present in s but not in other.
func (s Set) Difference(other Set) Set {
	out := make(Set, len(s))
	for d := range s {
		if !other.Contains(d) {
			out[d] = struct{}{}
		}
	}
	return out
}
