// Package logger adapts zap and logrus to bwtree.Logger.
//
// The tree logs a new root at info level and storage failures and broken
// invariants at error level. It logs abandoned structure modification waits
// at warn level, and splits, merges and garbage collection at debug level. A
// *slog.Logger can be passed to bwtree.WithLogger as is.
//
//	zl, _ := zap.NewProduction()
//	tree, err := bwtree.Open("index.frag", bwtree.WithLogger(logger.NewZap(zl)))
//	if err != nil {
//	    return err
//	}
//	defer tree.Close()
package logger
