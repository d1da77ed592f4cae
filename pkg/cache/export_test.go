package cache

import "context"

// Flush is a test-only export of the unexported flush method.
func (c *Cache) Flush(ctx context.Context) { c.flush(ctx) }
