package middleware

import (
	"net/http"

	"github.com/apex-build/orchestrator/internal/modelrouter"

	"github.com/gin-gonic/gin"
)

// BudgetCheck returns a middleware that rejects requests from a tenant
// that has exhausted its model-spend budget before an expensive
// operation (run creation) is allowed to proceed. A tenant with no
// configured budget row is unconstrained and always passes through.
func BudgetCheck(ledger modelrouter.BudgetLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ledger == nil {
			c.Next()
			return
		}

		tenantID, ok := TenantID(c)
		if !ok {
			c.Next()
			return
		}

		remaining, ok, err := ledger.RemainingBudget(c.Request.Context(), tenantID)
		if err != nil {
			c.Next() // don't block the request on a ledger read failure
			return
		}
		if !ok {
			c.Next() // unconstrained tenant
			return
		}

		if remaining <= 0 {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "BUDGET_EXCEEDED",
				"message": "tenant has exhausted its model-spend budget",
			})
			c.Abort()
			return
		}

		c.Set("budget_remaining", remaining)
		c.Next()
	}
}
