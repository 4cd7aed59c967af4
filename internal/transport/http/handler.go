package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/evenup/split-settlement/internal/model"
	"github.com/evenup/split-settlement/internal/policy"
	"github.com/evenup/split-settlement/internal/rail"
	"github.com/evenup/split-settlement/internal/repo"
	"github.com/evenup/split-settlement/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, ledger *service.LedgerService, splits *service.SplitService, bank rail.BankRail, card rail.CardRail) {
	v1 := r.Group("/v1", AuthMiddleware())
	{
		v1.POST("/wallets/deposit", depositHandler(ledger))
		v1.POST("/wallets/withdraw", withdrawHandler(ledger))
		v1.GET("/wallets/balance", balanceHandler(ledger))
		v1.GET("/wallets/history", historyHandler(ledger))
		v1.POST("/wallets/bank/connect", connectBankHandler(ledger, bank))
		v1.DELETE("/wallets/bank", disconnectBankHandler(ledger, bank))
		v1.POST("/wallets/card/setup", cardSetupHandler(ledger, card))
		v1.POST("/wallets/card", attachCardHandler(ledger))

		v1.POST("/splits", createSplitHandler(splits))
		v1.GET("/splits/:id", getSplitHandler(splits))
		v1.POST("/splits/:id/respond", respondHandler(splits))
		v1.POST("/splits/:id/amount", amendAmountHandler(splits))
		v1.POST("/splits/:id/pay", payHandler(splits))
		v1.POST("/splits/:id/reinvite", reinviteHandler(splits))
		v1.DELETE("/splits/:id", cancelHandler(splits))
	}
}

// writeError maps domain errors onto status codes and actionable hints, so
// the UI can tell "retry" (rail-side) apart from "add funds" (wallet-side).
func writeError(c *gin.Context, err error) {
	var rl *policy.RateLimitedError
	if errors.As(err, &rl) {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               rl.Error(),
			"retry_after_seconds": int(rl.RetryAfter.Seconds()) + 1,
		})
		return
	}
	var held *policy.HeldFundsError
	if errors.As(err, &held) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":        held.Error(),
			"available":    held.Available.StringFixed(2),
			"available_at": held.ReleasesAt.Format(time.RFC3339),
		})
		return
	}
	switch {
	case errors.Is(err, repo.ErrWalletNotFound), errors.Is(err, service.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrInsufficientBalance):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "action": "top_up"})
	case errors.Is(err, rail.ErrBankNotConnected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "action": "connect_bank"})
	case errors.Is(err, rail.ErrPaymentPending), errors.Is(err, rail.ErrPaymentFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "action": "retry"})
	case errors.Is(err, service.ErrAlreadyPaid), errors.Is(err, service.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotCreator), errors.Is(err, service.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrAmountNotSet), errors.Is(err, service.ErrAmountFixed),
		errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type depositReq struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func depositHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req depositReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		userID := currentUser(c)
		if _, err := svc.EnsureWallet(c, userID); err != nil {
			writeError(c, err)
			return
		}
		bal, txID, err := svc.Deposit(c, userID, amt, req.Description)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal, "transaction_id": txID})
	}
}

type withdrawReq struct {
	Amount string `json:"amount" binding:"required"`
	Type   string `json:"type"`
}

func withdrawHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req withdrawReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		if req.Type == "" {
			req.Type = "bank_transfer"
		}
		res, err := svc.Withdraw(c, currentUser(c), amt, req.Type)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":           res.NewBalance,
			"transaction_id":    res.TransactionID,
			"fee":               res.Fee,
			"net":               res.Net,
			"estimated_arrival": res.EstimatedArrival.Format(time.RFC3339),
		})
	}
}

func balanceHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUser(c)
		bal, err := svc.GetBalance(c, userID)
		if err != nil {
			writeError(c, err)
			return
		}
		available, err := svc.WithdrawableBalance(c, userID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal, "withdrawable": available})
	}
}

func historyHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-30*24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := svc.GetHistory(c, currentUser(c), limit, since)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

type connectBankReq struct {
	RedirectURI string `json:"redirect_uri" binding:"required"`
	MaxAmount   string `json:"max_amount" binding:"required"`
}

func connectBankHandler(svc *service.LedgerService, bank rail.BankRail) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req connectBankReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		maxAmount, err := decimal.NewFromString(req.MaxAmount)
		if err != nil || maxAmount.LessThanOrEqual(decimal.Zero) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_amount"})
			return
		}
		userID := currentUser(c)
		if _, err := svc.EnsureWallet(c, userID); err != nil {
			writeError(c, err)
			return
		}
		consentID, err := bank.CreateConsent(c, req.RedirectURI, maxAmount)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if err := svc.SetBankConsent(c, userID, consentID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"consent_id": consentID})
	}
}

func disconnectBankHandler(svc *service.LedgerService, bank rail.BankRail) gin.HandlerFunc {
	return func(c *gin.Context) {
		consentID, err := svc.ClearBankConsent(c, currentUser(c))
		if err != nil {
			writeError(c, err)
			return
		}
		if consentID != "" {
			if err := bank.RevokeConsent(c, consentID); err != nil {
				// local detach already happened; the provider-side consent
				// can be revoked again later
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
		}
		c.Status(http.StatusNoContent)
	}
}

func cardSetupHandler(svc *service.LedgerService, card rail.CardRail) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUser(c)
		w, err := svc.EnsureWallet(c, userID)
		if err != nil {
			writeError(c, err)
			return
		}
		customerID := ""
		if w.CardCustomerID != nil {
			customerID = *w.CardCustomerID
		}
		if customerID == "" {
			if customerID, err = card.CreateCustomer(c, userID); err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
		}
		intentID, err := card.CreateSetupIntent(c, customerID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"customer_id": customerID, "setup_intent_id": intentID})
	}
}

type attachCardReq struct {
	CustomerID      string `json:"customer_id" binding:"required"`
	PaymentMethodID string `json:"payment_method_id" binding:"required"`
}

func attachCardHandler(svc *service.LedgerService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req attachCardReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.SetCard(c, currentUser(c), req.CustomerID, req.PaymentMethodID); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type participantReq struct {
	UserID uint64 `json:"user_id" binding:"required"`
	Amount string `json:"amount"`
}

type createSplitReq struct {
	Name         string           `json:"name" binding:"required"`
	TotalAmount  string           `json:"total_amount" binding:"required"`
	SplitType    string           `json:"split_type" binding:"required"`
	ReceiptURL   *string          `json:"receipt_url"`
	Participants []participantReq `json:"participants" binding:"required"`
}

func createSplitHandler(svc *service.SplitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createSplitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		total, err := decimal.NewFromString(req.TotalAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_amount"})
			return
		}
		shares := make([]service.ParticipantShare, len(req.Participants))
		for i, p := range req.Participants {
			amt := decimal.Zero
			if p.Amount != "" {
				if amt, err = decimal.NewFromString(p.Amount); err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": "invalid participant amount"})
					return
				}
			}
			shares[i] = service.ParticipantShare{UserID: p.UserID, Amount: amt}
		}
		event, err := svc.Create(c, currentUser(c), req.Name, total, req.SplitType, req.ReceiptURL, shares)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, event)
	}
}

func splitID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid split id"})
		return uuid.Nil, false
	}
	return id, true
}

func getSplitHandler(svc *service.SplitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := splitID(c)
		if !ok {
			return
		}
		event, participants, err := svc.Get(c, currentUser(c), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"event": event, "participants": participants})
	}
}

type respondReq struct {
	Accept bool    `json:"accept"`
	Amount *string `json:"amount"`
}

func respondHandler(svc *service.SplitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := splitID(c)
		if !ok {
			return
		}
		var req respondReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var amount *decimal.Decimal
		if req.Amount != nil {
			a, err := decimal.NewFromString(*req.Amount)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
				return
			}
			amount = &a
		}
		if err := svc.Respond(c, currentUser(c), id, req.Accept, amount); err != nil {
			writeError(c, err)
			return
		}
		status := model.ParticipantDeclined
		if req.Accept {
			status = model.ParticipantAccepted
		}
		c.JSON(http.StatusOK, gin.H{"status": status})
	}
}

type amendAmountReq struct {
	Amount string `json:"amount" binding:"required"`
}

func amendAmountHandler(svc *service.SplitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := splitID(c)
		if !ok {
			return
		}
		var req amendAmountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		if err := svc.AmendAmount(c, currentUser(c), id, amt); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"owed_amount": amt})
	}
}

func payHandler(svc *service.SplitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := splitID(c)
		if !ok {
			return
		}
		if err := svc.Pay(c, currentUser(c), id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": model.ParticipantPaid})
	}
}

type reinviteReq struct {
	UserID uint64 `json:"user_id" binding:"required"`
}

func reinviteHandler(svc *service.SplitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := splitID(c)
		if !ok {
			return
		}
		var req reinviteReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.Reinvite(c, currentUser(c), id, req.UserID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": model.ParticipantPending})
	}
}

func cancelHandler(svc *service.SplitService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := splitID(c)
		if !ok {
			return
		}
		if err := svc.Cancel(c, currentUser(c), id); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
