// Package notifier turns scheduler run events into operator messages.
//
// Service implements scheduler.Notifier. Notify never blocks the scheduler:
// events are filtered, deduplicated and queued, and a small supervised
// worker pool delivers them to every configured Sink under a shared rate
// limit, retrying failed sends with jittered exponential backoff.
//
// # Sinks
//
// LogSink writes messages through logx. TelegramSink posts them to a chat
// (optionally a forum thread) through telebot. Custom sinks implement Sink.
//
// # History
//
// For operator visibility the service keeps a small in-memory ring of
// recently delivered messages.
package notifier
