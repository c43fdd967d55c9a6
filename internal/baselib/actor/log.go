package actor

import "github.com/btcsuite/btclog/v2"

// log is the package-level logger used by the actor runtime. It defaults to
// a disabled logger so that callers who never wire up logging don't pay for
// it or see unexpected output.
var log = btclog.Disabled

// UseLogger sets the package-level logger used by the actor runtime.
func UseLogger(logger btclog.Logger) {
	log = logger
}
