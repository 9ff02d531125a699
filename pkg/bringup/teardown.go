package bringup

// Teardown releases every held resource in reverse acquisition order: IRQ
// handler, IRQ vectors, register mapping, regions, device. Only resources
// recorded as acquired are released, and each is forgotten once released,
// so Teardown is safe on a partial Context and safe to call twice.
func (c *Context) Teardown() {
	if c == nil {
		return
	}
	for len(c.claims) > 0 {
		last := len(c.claims) - 1
		cl := c.claims[last]
		c.claims = c.claims[:last]

		c.log.Debugf("releasing %s", cl.res)
		cl.release()
	}
	c.vector = -1
	c.vectorClass = 0
}
