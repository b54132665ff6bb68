package server

import "github.com/bamsammich/grid/internal/spool"

// SetMove replaces the coordinator's spool move. Call before Serve.
func SetMove(c *Coordinator, move func(n uint32, from, to spool.Area) error) {
	c.move = move
}
