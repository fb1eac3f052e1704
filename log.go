package feedsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `feedsync` package and generally for driftline client components:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - push channel connect/disconnect and resubscribe
//     - rolled back mutations
// Warning:
//     suppressed panics and malformed input that was dropped
// V(1):
//     key events with ids that can be used to filter
// V(2):
//     frequent events - e.g. dispatch, fold, notify -
//     these should never be enabled outside of trace debugging

type LogFunction func(string, ...any)

func LogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(1) {
			m := fmt.Sprintf(format, a...)
			glog.Infof("%s: %s\n", tag, m)
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		log("%s: %s", tag, fmt.Sprintf(format, a...))
	}
}

func glogWarnRecover(tag string, r any) {
	glog.Warningf("%s: suppressed panic: %v\n", tag, r)
}
