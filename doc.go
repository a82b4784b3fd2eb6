// Package tandem runs a bot webhook service so that, across a rolling deploy
// where two instances overlap, exactly one of them is active and performs
// side effects while the other stays passive.
//
// # Roles
//
// Every instance competes for one advisory lock keyed by the deployment id.
// The holder is active: it migrates storage, registers the webhook, runs
// the maintenance sweeper and dispatches queued updates. The others keep
// acknowledging webhook deliveries and draining their queues without
// dispatching. Losing the lock demotes an instance on the next poll.
//
// The lock backend follows the store URL:
//
//	mem://                        in-process registry (tests, single process)
//	sqlite:///var/lib/tandem.db   lease row with heartbeat and stale takeover
//	postgres://user@host/db       pg_try_advisory_lock on a dedicated session
//
// # Running a server
//
//	cfg := tandem.Config{
//	    Store:         "postgres://tandem@db/tandem?sslmode=disable",
//	    DeploymentID:  "bot-prod",
//	    WebhookSecret: "s3cret-path-token",
//	    PublicURL:     "https://bot.example.com",
//	    BotToken:      os.Getenv("BOT_TOKEN"),
//	}
//	srv, stop, err := tandem.StartServer(ctx, cfg,
//	    tandem.WithDispatcher(myHandlers),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//
// Business handlers implement updatequeue.Dispatcher and are invoked only
// while the instance is active. Generation results arrive on the callback
// route and are delivered at most once per task through the delivery
// coordinator, which also settles the user's balance.
//
// # Endpoints
//
//	POST /webhook/{secret}   inbound updates, always fast-acknowledged
//	POST /{callback-path}    provider callbacks, always 200 {"ok":true}
//	GET  /health             liveness
//	GET  /ready              503 unless active, schema ready and webhook configured
//	GET  /                   role, lock diagnostics, queue metrics, process stats
package tandem
