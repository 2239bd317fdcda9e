// Package config loads and watches the machinewatch configuration file.
//
// Sections:
//   - server     http_port (default 8080), auth (mode apikey|none, key_env,
//     header), log (level debug|info|warn|error, format json|text),
//     cors.allowed_origins (default ["*"])
//   - simulator  interval (default 30s), iteration_timeout, autostart ids,
//     autostart_all, seed
//   - storage    backend memory|postgres, dsn_env (default DATABASE_URL),
//     max_conns, retention, migrate
//   - realtime   send_buffer per WebSocket client (default 16)
//   - notify     buffer_size (default 256) and alert targets
//     (nats|amqp|slack|teams|http)
//
// Secrets never live in the file: every *_env field names the environment
// variable holding the value.
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, onChange) reloads the file on every write and hands the
// new Config to onChange; only log level and simulator interval are applied
// at runtime.
package config
