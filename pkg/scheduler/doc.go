// Package scheduler runs the background routines of the queue bot:
// ending expired staff breaks and pruning stale rejoin-grace records.
package scheduler
