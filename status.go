package capsule

// Status is a snapshot of the capsule's state.
type Status struct {
	CapsuleID     string `json:"capsule_id"`
	Path          string `json:"path"`
	Frames        int    `json:"frames"`
	ActiveFrames  int    `json:"active_frames"`
	DataSize      int64  `json:"data_size"`
	WALSize       int64  `json:"wal_size"`
	FooterOffset  int64  `json:"footer_offset"`
	DeclaredTier  string `json:"declared_tier"`
	EffectiveTier string `json:"effective_tier"`
	TierLimit     int64  `json:"tier_limit"`
	HasLexIndex   bool   `json:"has_lex_index"`
	HasVecIndex   bool   `json:"has_vec_index"`
	Recovered     bool   `json:"recovered"`
}

// Status reports counters, sizes, and tiering for the open capsule.
func (c *Capsule) Status() (*Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	declared := TierFromString(c.log.DeclaredTier())
	effective := effectiveTier(declared, c.log.WALSize())

	active := len(c.log.ActiveSet())

	_, lexOK := c.log.LexIndexSection()
	_, vecOK := c.log.VecIndexSection()

	return &Status{
		CapsuleID:     c.log.CapsuleID(),
		Path:          c.path,
		Frames:        c.log.FrameCount(),
		ActiveFrames:  active,
		DataSize:      c.log.DataSize(),
		WALSize:       c.log.WALSize(),
		FooterOffset:  c.log.FooterOffset(),
		DeclaredTier:  declared.String(),
		EffectiveTier: effective.String(),
		TierLimit:     effective.Limit(),
		HasLexIndex:   lexOK,
		HasVecIndex:   vecOK,
		Recovered:     c.log.Recovered(),
	}, nil
}
