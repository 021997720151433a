package activity

import "errors"

// DroppedEventID is the sentinel id returned when an emit is discarded
// under the lenient policy. It never appears in the on-disk log.
const DroppedEventID = "evt_dropped"

// ErrLogWrite indicates the durable writer cannot accept or persist an
// event under the strict policy.
var ErrLogWrite = errors.New("log write error")

// ErrLoggerClosed indicates an emit after Shutdown.
var ErrLoggerClosed = errors.New("activity logger is closed")
