// Package summarizer implements the client-side agent that watches a live
// document's ordered operation stream and periodically produces and submits
// summaries through an external ordering service.
package summarizer

import "github.com/btcsuite/btclog/v2"

// log is the package-level logger. It defaults to disabled so embedders that
// never call UseLogger pay nothing for it.
var log = btclog.Disabled

// UseLogger sets the package-level logger used by the summarizer.
func UseLogger(logger btclog.Logger) {
	log = logger
}
