package execution

import (
	"context"
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/outpost-build/remotestore/pkg/digest"
	"github.com/outpost-build/remotestore/pkg/store"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	durationpb "google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/proto"
)

// preparedAction is the trio of protobuf messages spec.md §4.6 "Action
// composition" derives from a Process: all three are stored locally
// before dispatch.
type preparedAction struct {
	command       *remoteexecution.Command
	action        *remoteexecution.Action
	executeReq    *remoteexecution.ExecuteRequest
	commandDigest digest.Digest
	actionDigest  digest.Digest
}

// buildCommand translates a Process into a canonical Command proto:
// sorted env entries, sorted output paths, sorted platform
// properties, matching spec.md §4.6's "Action composition" and
// original_source's BazelProtosProcessExecutionCodec::make_action.
func buildCommand(p Process, cacheNamespace string) *remoteexecution.Command {
	cmd := &remoteexecution.Command{
		Arguments:        append([]string{}, p.Argv...),
		WorkingDirectory: p.WorkingDirectory,
		OutputPaths:      sortedStrings(append(append([]string{}, p.OutputFiles...), p.OutputDirectories...)),
	}

	envNames := make([]string, 0, len(p.Env))
	for k := range p.Env {
		envNames = append(envNames, k)
	}
	sort.Strings(envNames)
	for _, k := range envNames {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables, &remoteexecution.Command_EnvironmentVariable{
			Name: k, Value: p.Env[k],
		})
	}

	props := map[string]string{}
	for k, v := range p.PlatformProperties {
		props[k] = v
	}
	// Cache scope, cache mounts, JDK symlink, and cache-key-gen version
	// are not first-class REv2 fields; the first three are mapped onto
	// Platform properties here and the cache-key-gen version goes into
	// Action.Salt in prepareAction, following remote.rs's make_action
	// salt/platform handling.
	switch p.CacheScope {
	case CacheScopeAlways:
		props["cache-scope"] = "always"
	case CacheScopePerRestart:
		props["cache-scope"] = "per-restart"
	default:
		props["cache-scope"] = "successful"
	}
	for _, m := range p.CacheMounts {
		name := m.Name
		if cacheNamespace != "" {
			name = cacheNamespace + "/" + name
		}
		props["cache-mount:"+name] = m.Path
	}
	if p.JDKSymlink != "" {
		props["jdk-symlink"] = p.JDKSymlink
	}

	propNames := make([]string, 0, len(props))
	for k := range props {
		propNames = append(propNames, k)
	}
	sort.Strings(propNames)
	platform := &remoteexecution.Platform{}
	for _, k := range propNames {
		platform.Properties = append(platform.Properties, &remoteexecution.Platform_Property{Name: k, Value: props[k]})
	}
	cmd.Platform = platform
	return cmd
}

func sortedStrings(ss []string) []string {
	out := append([]string{}, ss...)
	sort.Strings(out)
	return out
}

// prepareAction builds the Command/Action/ExecuteRequest trio and
// stores all three locally so a later FindMissingBlobs/upload can
// produce them on demand, per spec.md §4.6: "All three are stored
// locally before dispatch".
func prepareAction(ctx context.Context, s *store.Store, p Process, instanceName, cacheNamespace string, skipCacheLookup bool) (preparedAction, error) {
	cmd := buildCommand(p, cacheNamespace)
	cmdBytes, err := proto.Marshal(cmd)
	if err != nil {
		return preparedAction{}, status.Errorf(codes.Internal, "failed to marshal Command: %s", err)
	}
	cmdDigest, err := s.StoreFileBytes(cmdBytes)
	if err != nil {
		return preparedAction{}, err
	}

	action := &remoteexecution.Action{
		CommandDigest:   cmdDigest.ToProto(),
		InputRootDigest: p.InputRootDigest.ToProto(),
		DoNotCache:      p.CacheScope == CacheScopePerRestart,
	}
	if p.CacheKeyGenVersion != "" {
		action.Salt = []byte(p.CacheKeyGenVersion)
	}
	if p.Timeout > 0 {
		action.Timeout = durationpb.New(p.Timeout)
	}
	actionBytes, err := proto.Marshal(action)
	if err != nil {
		return preparedAction{}, status.Errorf(codes.Internal, "failed to marshal Action: %s", err)
	}
	actionDigest, err := s.StoreFileBytes(actionBytes)
	if err != nil {
		return preparedAction{}, err
	}

	return preparedAction{
		command: cmd,
		action:  action,
		executeReq: &remoteexecution.ExecuteRequest{
			InstanceName:    instanceName,
			ActionDigest:    actionDigest.ToProto(),
			SkipCacheLookup: skipCacheLookup,
		},
		commandDigest: cmdDigest,
		actionDigest:  actionDigest,
	}, nil
}
