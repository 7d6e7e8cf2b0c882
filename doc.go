// Package kephasgate provides a sharded client for a real-time chat platform's event gateway.
//
// Each shard owns one persistent WebSocket connection and drives the gateway
// handshake (hello, then identify or resume, then ready), the heartbeat loop
// with zombie detection, zlib-stream decompression and a fixed window send
// budget. A sharding strategy owns the shards, paces identifies through a
// process-wide throttler and reconnects shards that tore themselves down.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephasgate/ws"
//	)
//
//	opts := ws.DefaultOptions()
//	opts.Token = os.Getenv("TOKEN")
//	opts.Intents = 513
//
//	manager, err := ws.NewManager(opts)
//	if err != nil {
//	    return err
//	}
//
//	manager.OnEvent(func(e kephasgate.Event) {
//	    if e.Type == kephasgate.EventDispatch {
//	        log.Printf("shard %d received %s", e.ShardID, e.Dispatch.Name)
//	    }
//	})
//
//	if err := manager.Connect(ctx); err != nil {
//	    return err
//	}
//	defer manager.Destroy(context.Background(), kephasgate.DestroyOptions{Recover: kephasgate.RecoveryResume})
//
// # Sessions
//
// Sessions are kept in a SessionStore, in memory by default. With a shared
// store (see ws.NewRedisStore) a restarted process resumes its shards instead
// of identifying again, as long as the shard count did not change.
//
// # Recovery
//
// Shards recover from zombie connections, gateway reconnect requests and
// invalid sessions by destroying themselves with a Recovery mode. The strategy
// observes the EventClosed event and connects the shard again. Timeouts
// during Connect are returned to the caller and never retried by the shard.
//
// # Rate Limiting
//
// Every shard writes through a FIFO queue and a fixed window budget, 119
// payloads per minute by default. Identifies are spaced by at least 5 seconds
// per max_concurrency bucket.
package kephasgate
