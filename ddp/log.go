package ddp

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `ddp` package:
// Info (glog level 0):
//     events for abnormal behavior. This level should be silent on normal operation,
//     this includes:
//     - transport errors and reconnect scheduling
//     - version negotiation failure
//     - frames that cannot be decoded
//     - recovered panics from user callbacks
// Debug (glog level 2):
//     key events for trace debugging
//     this includes:
//     - connection lifecycle events with connection ids that can be used to filter
//     - each frame sent and received

const LogLevelInfo glog.Level = 0
const LogLevelDebug glog.Level = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
