package remotecas

import (
	"context"
	"fmt"
	"io"

	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/storeerrors"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (c *Client) readResourceName(d digest.Digest) string {
	if c.opts.InstanceName == "" {
		return fmt.Sprintf("blobs/%s/%d", d.GetHashString(), d.GetSizeBytes())
	}
	return fmt.Sprintf("%s/blobs/%s/%d", c.opts.InstanceName, d.GetHashString(), d.GetSizeBytes())
}

func (c *Client) writeResourceName(d digest.Digest, uploadID string) string {
	if c.opts.InstanceName == "" {
		return fmt.Sprintf("uploads/%s/blobs/%s/%d", uploadID, d.GetHashString(), d.GetSizeBytes())
	}
	return fmt.Sprintf("%s/uploads/%s/blobs/%s/%d", c.opts.InstanceName, uploadID, d.GetHashString(), d.GetSizeBytes())
}

// Get fetches the full contents of d from the remote, per spec.md
// §4.3's Read RPC: a NotFound status is reported back to the caller
// with its NotFound code kept (the message gains a prefix) so the
// coordinator can translate it to MissingDigest.
func (c *Client) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, storeerrors.StatusWrapf(err, "failed to acquire a read slot for digest %s", d)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ctx = c.withHeaders(ctx, "")

	stream, err := c.byteStream.Read(ctx, &bytestream.ReadRequest{
		ResourceName: c.readResourceName(d),
	})
	if err != nil {
		return nil, storeerrors.StatusWrapf(err, "failed to open remote read stream for digest %s", d)
	}

	buf := make([]byte, 0, d.GetSizeBytes())
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, storeerrors.StatusWrapf(err, "failed to read digest %s from remote", d)
		}
		buf = append(buf, chunk.Data...)
	}
	if int64(len(buf)) != d.GetSizeBytes() {
		return nil, status.Errorf(codes.Internal, "remote returned %d bytes for digest %s, expected %d", len(buf), d, d.GetSizeBytes())
	}
	log.Debugf("read %d bytes for digest %s from remote", len(buf), d)
	return buf, nil
}

// Put uploads data under d via the streaming Write RPC, splitting the
// payload into chunks no larger than opts.ChunkSizeBytes.
func (c *Client) Put(ctx context.Context, d digest.Digest, data []byte) error {
	if int64(len(data)) != d.GetSizeBytes() {
		return status.Errorf(codes.InvalidArgument, "blob has %d bytes, but digest %s declares %d", len(data), d, d.GetSizeBytes())
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return storeerrors.StatusWrapf(err, "failed to acquire a write slot for digest %s", d)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	ctx = c.withHeaders(ctx, "")

	uploadUUID, err := c.opts.UUIDGenerator()
	if err != nil {
		return storeerrors.StatusWrapf(err, "failed to generate upload id for digest %s", d)
	}
	resourceName := c.writeResourceName(d, uploadUUID.String())

	stream, err := c.byteStream.Write(ctx)
	if err != nil {
		return storeerrors.StatusWrapf(err, "failed to open remote write stream for digest %s", d)
	}

	chunkSize := c.opts.ChunkSizeBytes
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	var offset int64
	for offset < int64(len(data)) || len(data) == 0 {
		end := offset + int64(chunkSize)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		finish := end == int64(len(data))
		req := &bytestream.WriteRequest{
			WriteOffset: offset,
			Data:        data[offset:end],
			FinishWrite: finish,
		}
		if offset == 0 {
			req.ResourceName = resourceName
		}
		if err := stream.Send(req); err != nil {
			if err == io.EOF {
				break
			}
			return storeerrors.StatusWrapf(err, "failed to send chunk for digest %s", d)
		}
		offset = end
		if finish {
			break
		}
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		// Some servers close the stream early on a concurrent upload of
		// the same blob; this is not an error (spec.md §4.3).
		if status.Code(err) == codes.Unknown || status.Code(err) == codes.Canceled {
			return nil
		}
		return storeerrors.StatusWrapf(err, "failed to complete upload of digest %s", d)
	}
	if resp.CommittedSize != d.GetSizeBytes() {
		return status.Errorf(codes.Internal, "remote committed %d bytes for digest %s, expected %d", resp.CommittedSize, d, d.GetSizeBytes())
	}
	log.Debugf("uploaded digest %s to remote", d)
	return nil
}
