/*
Package log provides structured logging for the storage core using zerolog.

The package wraps zerolog to give every component a consistently-configured
logger: JSON or console output, a filterable level, and context loggers that
attach the fields operators actually query on (ident, txn_id, component)
instead of generic string concatenation.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	journalLog := log.WithComponent("journal")
	journalLog.Info().Str("round", "42").Msg("flush complete")

	txnLog := log.WithTxnID("txn-17")
	txnLog.Debug().Msg("write conflict, retrying")

# Log Levels

Debug is for development and replay tracing, Info is the default production
level, Warn/Error flag conditions an operator should look at, and Fatal exits
the process — reserved for the cases in the error-handling design where a
background component's failure would otherwise silently violate the
durability contract.
*/
package log
