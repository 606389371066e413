// Package logging provides structured logging for assistd.
//
// Logger wraps zap with context-aware methods that attach trace, span,
// request and conversation identifiers to every entry. Stdout output goes
// through a RedactingEncoder so credentials and contact details that slip
// into log fields are masked before they are written. When an OpenTelemetry
// LoggerProvider is supplied, entries are also forwarded through otelzap.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRequestID(ctx, "req_42")
//	logger.Info(ctx, "unified search served", zap.Int("items", n))
package logging
