// Package api implements the HTTP surface of machinewatch-server.
//
// New(cfg) returns an http.Handler (a chi router) that serves:
//
//	GET    /api/v1/health                       status, running loops, subscribers, thresholds
//	GET    /api/v1/simulator/                   running machine ids and the current interval
//	POST   /api/v1/simulator/start/{machineID}  start one loop (also ?machine_id=N)
//	POST   /api/v1/simulator/stop/{machineID}   stop one loop (also ?machine_id=N)
//	POST   /api/v1/simulator/start_all          start every machine, or the ids in the body
//	POST   /api/v1/simulator/stop_all           stop every loop
//	GET    /api/v1/machines                     list machines
//	POST   /api/v1/machines                     create a machine
//	GET    /api/v1/machines/{machineID}         one machine
//	PUT    /api/v1/machines/{machineID}         update name, description, image url
//	DELETE /api/v1/machines/{machineID}         stop its loop, then delete
//	GET    /api/v1/machines/{machineID}/readings?limit=&since=
//	GET    /api/v1/machines/{machineID}/alerts
//	POST   /api/v1/readings                     manual ingest, broadcast to subscribers
//	GET    /api/v1/readings/{readingID}
//	DELETE /api/v1/readings/{readingID}
//	POST   /api/v1/alerts                       manual alert
//	GET    /api/v1/alerts/{alertID}
//	DELETE /api/v1/alerts/{alertID}
//	GET    /metrics                             Prometheus exposition (when configured)
//	GET    /realtime/machine/{machineID}        WebSocket stream (also ?machine_id=N)
//
// The simulator routes sit behind the configured auth middleware. CORS
// headers, when origins are configured, apply to every route. Every
// JSON response carries Content-Type: application/json; errors are
// {"error": "..."}.
package api
