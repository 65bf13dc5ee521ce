package remotecas

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/storeerrors"
)

// FindMissing asks the remote which of digests it does not already
// hold, per spec.md §4.3's FindMissingBlobs RPC. Requests larger than
// opts.BatchAPISizeLimit are split into sequential batches, matching
// spec.md §6's batch_api_size_limit option.
func (c *Client) FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error) {
	if len(digests) == 0 {
		return digest.NewSet(), nil
	}

	batchSize := c.opts.BatchAPISizeLimit
	if batchSize <= 0 {
		batchSize = len(digests)
	}

	all := digests.ToSlice()
	missing := make(digest.Set, len(all))
	for start := 0; start < len(all); start += batchSize {
		end := start + batchSize
		if end > len(all) {
			end = len(all)
		}
		batchMissing, err := c.findMissingBatch(ctx, all[start:end])
		if err != nil {
			return nil, err
		}
		for d := range batchMissing {
			missing.Add(d)
		}
	}
	return missing, nil
}

func (c *Client) findMissingBatch(ctx context.Context, batch []digest.Digest) (digest.Set, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, storeerrors.StatusWrapf(err, "failed to acquire a slot for FindMissingBlobs")
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ctx = c.withHeaders(ctx, "")

	blobDigests := make([]*remoteexecution.Digest, 0, len(batch))
	for _, d := range batch {
		blobDigests = append(blobDigests, d.ToProto())
	}

	resp, err := c.cas.FindMissingBlobs(ctx, &remoteexecution.FindMissingBlobsRequest{
		InstanceName: c.opts.InstanceName,
		BlobDigests:  blobDigests,
	})
	if err != nil {
		return nil, storeerrors.StatusWrapf(err, "failed to call FindMissingBlobs for %d digests", len(batch))
	}

	missing := make(digest.Set, len(resp.MissingBlobDigests))
	for _, pb := range resp.MissingBlobDigests {
		d, err := digest.NewFromProto(pb)
		if err != nil {
			return nil, storeerrors.StatusWrap(err, "remote returned an invalid digest in FindMissingBlobs response")
		}
		missing.Add(d)
	}
	return missing, nil
}
