// metasync is a source-to-target metadata synchronisation plugin. The host
// invokes it once per event or task with a JSON envelope on stdin; it
// replies on stdout, or on stderr with a non-zero exit when the invocation
// failed, and logs on stderr in the host's line protocol.
package main

import (
	"context"
	"os"

	"github.com/driftline/metasync/hostproto"
	"github.com/driftline/metasync/logger"
	"github.com/driftline/metasync/version"
)

func main() {
	logger.Initialize(false)
	defer logger.Cleanup()
	logger.Debugw("Plugin invoked", "version", version.Get().Short())

	env, err := hostproto.ReadEnvelope(os.Stdin)
	if err != nil {
		hostproto.WriteError(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := hostproto.NewRuntime(ctx, env.ServerConnection.SourceConnection())
	if err != nil {
		logger.Errorw("Initialisation failed", "error", err)
		hostproto.WriteError(os.Stderr, err)
		os.Exit(1)
	}

	if rt.Config.Enabled {
		rt.Start(ctx)
	}

	output, dispatchErr := rt.Dispatch(ctx, env.Args)

	cancel()
	rt.Close()

	if dispatchErr != nil {
		logger.Errorw("Invocation failed", "error", dispatchErr)
		hostproto.WriteError(os.Stderr, dispatchErr)
		os.Exit(1)
	}
	hostproto.WriteOutput(os.Stdout, output)
}
