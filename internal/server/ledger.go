package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/bookingcore/internal/ledger/domain"
	"github.com/smallbiznis/bookingcore/pkg/db/pagination"
)

type balanceResponse struct {
	ledgerdomain.Balance
	Amount string `json:"amount"`
}

// GetBalance answers in the owner's only currency, or in ?currency= for
// owners holding several.
func (s *Server) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()
	ownerType := ledgerdomain.OwnerType(c.Param("owner_type"))
	ownerID := c.Param("owner_id")

	var (
		balance ledgerdomain.Balance
		err     error
	)
	if raw := c.Query("currency"); raw != "" {
		balance, err = s.balanceIn(c, ownerType, ownerID, raw)
	} else {
		balance, err = s.ledgerSvc.GetBalance(ctx, ownerType, ownerID)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balanceResponse{
		Balance: balance,
		Amount:  formatAmount(balance.AmountCents),
	}})
}

func (s *Server) balanceIn(c *gin.Context, ownerType ledgerdomain.OwnerType, ownerID, raw string) (ledgerdomain.Balance, error) {
	currency, err := ledgerdomain.NormalizeCurrency(raw)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	balances, err := s.ledgerSvc.GetBalances(c.Request.Context(), ownerType, ownerID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	for _, balance := range balances {
		if balance.Currency == currency {
			return balance, nil
		}
	}
	return ledgerdomain.Balance{
		OwnerType: ledgerdomain.OwnerType(strings.ToLower(strings.TrimSpace(string(ownerType)))),
		OwnerID:   strings.TrimSpace(ownerID),
		Currency:  currency,
	}, nil
}

// ListLedgerEntries pages newest first; the cursor carries the last entry id.
func (s *Server) ListLedgerEntries(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	cursor, err := pagination.DecodeCursor(query.PageToken)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	req := ledgerdomain.ListRequest{
		OwnerType: ledgerdomain.OwnerType(c.Param("owner_type")),
		OwnerID:   c.Param("owner_id"),
		Limit:     query.Limit() + 1,
	}
	if cursor != nil {
		beforeID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			AbortWithError(c, pagination.ErrInvalidPageToken)
			return
		}
		req.BeforeID = beforeID
	}

	entries, err := s.ledgerSvc.ListEntries(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	page, pageInfo, err := pagination.Trim(entries, query.Limit(), func(entry ledgerdomain.Entry) pagination.Cursor {
		return pagination.Cursor{ID: entry.ID.String()}
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": page, "page_info": pageInfo})
}
