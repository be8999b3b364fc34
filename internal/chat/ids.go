package chat

import "github.com/suPer8Hu/tablechat/internal/common"

// NewSessionID returns a ULID, which is also a valid version log id.
func NewSessionID() (string, error) { return common.NewULID() }
