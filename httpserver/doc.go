/*
Package httpserver runs the recovery backend's HTTP listener.

It mounts the API handlers (guardian portal and owner API) behind a request
logging middleware and adds the operational endpoints:

  - GET /livez    liveness check
  - GET /readyz   readiness check, 503 while draining
  - GET /drain    mark the server not ready
  - GET /undrain  mark the server ready again
  - /debug/...    pprof, when enabled

Shutdown drains first so load balancers stop routing before in-flight
requests are allowed to finish.
*/
package httpserver
