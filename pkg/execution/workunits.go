package execution

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.opentelemetry.io/otel/trace"
	timestamppb "google.golang.org/protobuf/types/known/timestamppb"
)

// recordWorkunits emits the server-returned ExecutedActionMetadata
// timestamps as child time-spans of the Execute workunit, per spec.md
// §4.6 "Workunits". spec.md §9 notes that attaching these to a
// separate "root" workunit is deprecated in the source this package
// is grounded on; they are attached here directly under ctx's own
// "execute" span and nowhere else.
func recordWorkunits(ctx context.Context, md *remoteexecution.ExecutedActionMetadata) {
	if md == nil {
		return
	}
	tr := trace.SpanFromContext(ctx).TracerProvider().Tracer("github.com/outpost-build/remotestore/pkg/execution")

	emit := func(name string, start, end *timestamppb.Timestamp) {
		if start == nil || end == nil {
			return
		}
		_, s := tr.Start(ctx, name, trace.WithTimestamp(start.AsTime()))
		s.End(trace.WithTimestamp(end.AsTime()))
	}

	emit("queued", md.QueuedTimestamp, md.WorkerStartTimestamp)
	emit("input_fetch", md.InputFetchStartTimestamp, md.InputFetchCompletedTimestamp)
	emit("execution", md.ExecutionStartTimestamp, md.ExecutionCompletedTimestamp)
	emit("output_upload", md.OutputUploadStartTimestamp, md.OutputUploadCompletedTimestamp)
}
