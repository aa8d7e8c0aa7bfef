// Package syncline provides the offline-resilient notification delivery and
// synchronization layer of a spreadsheet-backed CRM.
//
// The server side is a stateless notification broker: external data-change
// events are classified by a rule engine and fanned out to every live
// websocket connection and, when a push provider is configured, to all
// registered push tokens in a single multicast call.
//
// The client side keeps the application usable across connectivity loss:
// a durable retryable change queue, a two-tier TTL cache, and a background
// offline worker that intercepts GET requests and serves cache-first
// responses with a documented fallback chain.
//
// # Broker Usage
//
// Build a broker from a delivery registry and the default rule table, then
// serve the HTTP ingress:
//
//	reg := syncline.NewRegistry()
//	broker := syncline.NewBroker(syncline.NewRuleEngine(), reg, nil, nil)
//	srv := syncline.NewServer(syncline.DefaultHTTPConfig(), broker, reg)
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Client Usage
//
// Open a durable store and share it between the cache and the queue:
//
//	store, err := syncline.NewSQLiteStore(syncline.DefaultSQLiteStoreConfig("crm.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	cache := syncline.NewTieredCache(store, nil)
//	queue := syncline.NewChangeQueue(store, syncline.DefaultQueueConfig(), nil)
//
// A SyncScheduler retries queued changes with capped exponential backoff; the
// queue itself only tracks eligibility.
//
// # Limitations
//
// The broker keeps no message history and the delivery registry is process
// local: live connections and push tokens vanish on restart, so clients must
// re-register on every cold start. Delivery is best-effort, at-most-once per
// leg; the live and push legs are independent and may race.
package syncline
