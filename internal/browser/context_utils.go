// internal/browser/context_utils.go
package browser

import "context"

// CombineContext derives a context from primary that is also cancelled when
// secondary ends. Values, including the chromedp target, come from primary.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
