package server

import (
	"net/http"

	ledgerdomain "github.com/careops/carebilling/internal/ledger/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) GetAccountByID(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var acct ledgerdomain.Account
	if err := s.db.WithContext(c.Request.Context()).Where("id = ?", id).First(&acct).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": acct})
}

// RebalanceAccount recomputes the balance projection synchronously instead
// of waiting for the background worker.
func (s *Server) RebalanceAccount(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	var acct ledgerdomain.Account
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&acct).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.rebalancer.RebalanceNow(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&acct).Error; err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": acct})
}
