// Package notifier provides the notification pipeline plugins report to.
//
// Notifications are small, high-signal messages for operators: run
// summaries, unread private messages, forwarded webhook text. Each carries
// a title, a body and a priority.
//
// # Sinks
//
// Delivery is delegated to Sink implementations (see package sink):
// Telegram, Redis pub/sub, AMQP or the log. Every notification goes to
// every sink; a failing sink is retried on its own and never blocks the
// others beyond the per-send timeout.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recently delivered notifications.
package notifier
