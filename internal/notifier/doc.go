// Package notifier delivers best-effort operator notifications.
//
// Two channels exist:
//   - webhook: a JSON POST to the webhookUrl runtime setting
//   - telegram: a bot message to telegramChatId using telegramBotToken
//
// Notifications go through a bounded queue, a worker pool and a rate limiter.
// Failed sends are logged and never retried. The service also listens on the
// event bus for session and broadcast events, and serves as the log alert sink.
package notifier
