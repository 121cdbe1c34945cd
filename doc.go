/*
Package dashgate provides a reverse proxy that mounts backend services
under path prefixes of a single origin, next to an application shell.

Backends built to run at the root of their own origin are exposed under
a prefix, like /absen. The gateway strips the prefix from the forwarded
requests and rewrites the absolute paths in the returned HTML,
JavaScript and CSS, and in the Location headers, so that the pages keep
working below the prefix. Requests that lost their prefix, like the
module loads of a single page application, are matched by the Referer
or the Origin of the page that issued them.

# Routes

The routes are stored in a JSON file, routes-config.<environment>.json,
or routes-config.json when no environment specific file exists:

	[
	    {
	        "id": "absen",
	        "path": "/absen",
	        "target": "http://localhost:5176",
	        "description": "Attendance",
	        "enabled": true
	    }
	]

The optional fields rewritePath, changeOrigin and rewriteContent default
to true. A route with both rewritePath and rewriteContent set to false
relays the traffic, including WebSocket upgrades, without inspection.

The file is watched, and the changes take effect without restarting.
The routes can also be managed through the HTTP API under /api/routes,
see package routeapi.

# Request dispatch

The configuration page, the management API, the legacy fixed proxies
and the routes are checked in this order, and the requests that none of
them serves go to the application shell. Unknown paths get a 404
response listing the enabled routes. See package dispatch for the
details.

# Running

The command cmd/dashgate starts the gateway with the options parsed by
package config:

	dashgate -routes-dir /etc/dashgate -shell-url http://localhost:3000

Metrics in the Prometheus format and a health check are served on the
support listener, :9911 by default, under /metrics and /healthz.

# Embedding

The gateway can be started from Go code with Run, or assembled with New
and served with Gateway.Serve or Gateway.Handler.
*/
package dashgate
