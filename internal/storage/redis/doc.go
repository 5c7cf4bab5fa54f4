// Package redis stores runtime snapshots in a Redis hash so a restarted node
// can resume from the last persisted block.
package redis
