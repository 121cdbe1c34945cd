/*
Package logging implements application log instrumentation and Apache
combined access log.

# Application Log

The application log uses the logrus package:

https://github.com/sirupsen/logrus

To send messages to the application log, import this package and use its
methods. Example:

	import log "github.com/sirupsen/logrus"

	func doSomething() {
		log.Errorf("nothing to do")
	}

During startup initialization, it is possible to redirect the log output
from the default /dev/stderr to another file, to set the level, to switch
to JSON output, and to set a common prefix for each log entry. Setting the
prefix may be a good idea when the access log is enabled and its output is
the same as the one of the application log, to make it easier to split
the output for diagnostics.

# Access Log

The access log prints HTTP access information in the Apache combined
access log format, extended with the duration, the requested host and the
flow id of the request. The gateway wraps its central handler with the
handler of this package, and automatically provides access logging.

During initialization, it is possible to redirect the access log output
from the default /dev/stderr to another file, or completely disable the
access log.
*/
package logging
