package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pruvlabs/xychain/internal/storage"
	"github.com/pruvlabs/xychain/pkg/canonical"
	"github.com/pruvlabs/xychain/pkg/xychain"
)

// Register mounts all chain routes on the given router group. protect
// wraps the mutating routes; pass nil to leave them open.
func (s *Server) Register(rg *gin.RouterGroup, protect gin.HandlerFunc) {
	if protect == nil {
		protect = func(c *gin.Context) { c.Next() }
	}

	chains := rg.Group("/chains")
	{
		chains.POST("", protect, s.CreateChain)
		chains.GET("", s.ListChains)
		chains.GET("/:id", s.GetChain)
		chains.DELETE("/:id", protect, s.DeleteChain)
		chains.POST("/:id/entries", protect, s.AppendEntry)
		chains.GET("/:id/entries/:idx", s.GetEntry)
		chains.GET("/:id/verify", s.VerifyChain)
		chains.GET("/:id/export", s.ExportChain)
		chains.GET("/:id/receipt", s.ChainReceipt)
	}
}

type createChainRequest struct {
	Name   string `json:"name" binding:"required"`
	Signed bool   `json:"signed"`
}

// CreateChain handles POST /chains.
func (s *Server) CreateChain(c *gin.Context) {
	var req createChainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Signed && s.signer == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signing requested but the server has no signing key"})
		return
	}

	chain := xychain.New(req.Name, s.chainOptions(req.Signed)...)

	s.mu.Lock()
	s.chains[chain.ID()] = &managedChain{chain: chain, signed: req.Signed}
	s.mu.Unlock()

	if err := s.persist(c.Request.Context(), chain); err != nil {
		s.mu.Lock()
		delete(s.chains, chain.ID())
		s.mu.Unlock()
		s.logger.Error("persist new chain", zap.String("chain_id", chain.ID()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist chain"})
		return
	}

	s.logger.Info("chain created",
		zap.String("chain_id", chain.ID()),
		zap.String("name", chain.Name()),
		zap.Bool("signed", req.Signed),
	)
	c.JSON(http.StatusCreated, chainOverview(chain))
}

// ListChains handles GET /chains.
func (s *Server) ListChains(c *gin.Context) {
	s.mu.RLock()
	overviews := make([]gin.H, 0, len(s.chains))
	for _, mc := range s.chains {
		overviews = append(overviews, chainOverview(mc.chain))
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"chains": overviews})
}

// GetChain handles GET /chains/:id.
func (s *Server) GetChain(c *gin.Context) {
	mc, ok := s.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain not found"})
		return
	}
	c.JSON(http.StatusOK, chainOverview(mc.chain))
}

// DeleteChain handles DELETE /chains/:id.
func (s *Server) DeleteChain(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	_, ok := s.chains[id]
	delete(s.chains, id)
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain not found"})
		return
	}

	if s.store != nil {
		if err := s.store.Delete(c.Request.Context(), id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error("delete stored chain", zap.String("chain_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete stored chain"})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

type appendRequest struct {
	Action    string         `json:"action" binding:"required"`
	XState    map[string]any `json:"x_state"`
	YState    map[string]any `json:"y_state"`
	Timestamp *int64         `json:"timestamp"` // UTC Unix nanoseconds
}

// AppendEntry handles POST /chains/:id/entries. Appends to the same
// chain are serialised on its mutex; the engine itself does not
// tolerate concurrent writers.
func (s *Server) AppendEntry(c *gin.Context) {
	mc, ok := s.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain not found"})
		return
	}

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var opts []xychain.AppendOption
	if req.Timestamp != nil {
		opts = append(opts, xychain.WithTimestamp(time.Unix(0, *req.Timestamp).UTC()))
	}

	mc.mu.Lock()
	entry, err := mc.chain.Append(req.Action, req.XState, req.YState, opts...)
	if err == nil {
		err = s.persist(c.Request.Context(), mc.chain)
		if err != nil {
			// Drop the unpersisted entry so memory and storage agree
			// and a client retry cannot record the transition twice.
			entries := mc.chain.Entries()
			mc.chain = xychain.FromEntries(mc.chain.ID(), mc.chain.Name(), entries[:len(entries)-1], s.chainOptions(mc.signed)...)
			s.logger.Error("persist append",
				zap.String("chain_id", mc.chain.ID()),
				zap.Int("index", entry.Index),
				zap.Error(err),
			)
		}
	}
	mc.mu.Unlock()

	if err != nil {
		var encErr *canonical.EncodingError
		var sigErr *xychain.SigningError
		switch {
		case errors.As(err, &encErr), errors.Is(err, xychain.ErrEmptyAction):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &sigErr):
			s.logger.Error("append signing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "signing failed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist entry"})
		}
		return
	}

	RecordAppend()
	c.JSON(http.StatusCreated, entry)
}

// GetEntry handles GET /chains/:id/entries/:idx.
func (s *Server) GetEntry(c *gin.Context) {
	mc, ok := s.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain not found"})
		return
	}

	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry := mc.chain.Entry(idx)
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// VerifyChain handles GET /chains/:id/verify. With ?all=true it runs
// the full audit and reports every breaking index instead of only the
// first.
func (s *Server) VerifyChain(c *gin.Context) {
	mc, ok := s.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain not found"})
		return
	}

	if c.Query("all") == "true" {
		breaks := mc.chain.VerifyAll()
		RecordVerification(len(breaks) == 0)
		c.JSON(http.StatusOK, gin.H{
			"valid":  len(breaks) == 0,
			"breaks": breaks,
		})
		return
	}

	valid, breakIdx := mc.chain.Verify()
	RecordVerification(valid)
	resp := gin.H{"valid": valid}
	if !valid {
		resp["break_index"] = breakIdx
		s.logger.Warn("chain integrity check failed",
			zap.String("chain_id", mc.chain.ID()),
			zap.Int("break_index", breakIdx),
		)
	}
	c.JSON(http.StatusOK, resp)
}

// ExportChain handles GET /chains/:id/export, returning the stable
// interchange document.
func (s *Server) ExportChain(c *gin.Context) {
	mc, ok := s.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain not found"})
		return
	}

	data, err := mc.chain.Export()
	if err != nil {
		s.logger.Error("export chain", zap.String("chain_id", mc.chain.ID()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export chain"})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// ChainReceipt handles GET /chains/:id/receipt.
func (s *Server) ChainReceipt(c *gin.Context) {
	mc, ok := s.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "chain not found"})
		return
	}

	receipt, err := xychain.NewReceipt(mc.chain, c.DefaultQuery("task", mc.chain.Name()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build receipt"})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func chainOverview(chain *xychain.Chain) gin.H {
	return gin.H{
		"id":     chain.ID(),
		"name":   chain.Name(),
		"length": chain.Len(),
		"head":   chain.Head(),
		"root":   chain.Root(),
	}
}
