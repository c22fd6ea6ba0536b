package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"shakerin/backend/internal/domain"
)

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow(clientKey(c)) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts"})
		return
	}

	var req domain.LoginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleMe(c *gin.Context) {
	user, err := a.service.CurrentUser(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (a *API) handleListCategories(c *gin.Context) {
	categories, err := a.service.ListCategories(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

func (a *API) handleCreateCategory(c *gin.Context) {
	var req domain.CategoryRequest
	if !bindAndValidate(c, &req) {
		return
	}
	category, err := a.service.AddCategory(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"category": category})
}

func (a *API) handleRenameCategory(c *gin.Context) {
	var req domain.CategoryRequest
	if !bindAndValidate(c, &req) {
		return
	}
	category, err := a.service.RenameCategory(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"category": category})
}

func (a *API) handleDeleteCategory(c *gin.Context) {
	if err := a.service.DeleteCategory(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleListProducts(c *gin.Context) {
	products, err := a.service.ListProducts(c.Request.Context(), domain.ProductFilter{
		Query:      c.Query("q"),
		CategoryID: c.Query("category_id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (a *API) handleCreateProduct(c *gin.Context) {
	var req domain.ProductUpsertRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := a.service.CreateProduct(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a *API) handleUpdateProduct(c *gin.Context) {
	var req domain.ProductUpsertRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := a.service.UpdateProduct(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleDeleteProduct(c *gin.Context) {
	if err := a.service.DeleteProduct(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleCheckout(c *gin.Context) {
	var req domain.CheckoutRequest
	if !bindAndValidate(c, &req) {
		return
	}
	sale, err := a.service.Checkout(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sale": sale})
}

func (a *API) handleListSales(c *gin.Context) {
	status := strings.TrimSpace(c.Query("status"))
	if status != "" && !validSaleStatus(status) {
		badRequest(c, "unknown sale status %q", status)
		return
	}

	offset, ok := parseOffset(c.Query("offset"))
	if !ok {
		badRequest(c, "offset must be a non-negative integer")
		return
	}
	limit := parsePositiveLimit(c.Query("limit"), 100, 500)

	// One extra row tells us whether another page follows.
	sales, err := a.service.ListSales(c.Request.Context(), domain.SaleFilter{
		Query:  c.Query("q"),
		Status: status,
		Offset: offset,
		Limit:  limit + 1,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	body := gin.H{"sales": sales}
	if len(sales) > limit {
		body["sales"] = sales[:limit]
		body["next_offset"] = offset + limit
	}
	c.JSON(http.StatusOK, body)
}

func (a *API) handleGetSale(c *gin.Context) {
	sale, err := a.service.GetSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": sale})
}

func (a *API) handleConfirmSale(c *gin.Context) {
	sale, err := a.service.ConfirmSale(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": sale})
}

func (a *API) handlePartialReturn(c *gin.Context) {
	var req domain.PartialReturnRequest
	if !bindAndValidate(c, &req) {
		return
	}
	sale, err := a.service.PartialReturn(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": sale})
}

func (a *API) handleFullReturn(c *gin.Context) {
	sale, err := a.service.FullReturn(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sale": sale})
}

func (a *API) handleDashboard(c *gin.Context) {
	stats, err := a.service.Dashboard(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *API) handleListUsers(c *gin.Context) {
	users, err := a.service.ListUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (a *API) handleCreateUser(c *gin.Context) {
	var req domain.UserCreateRequest
	if !bindAndValidate(c, &req) {
		return
	}
	user, err := a.service.CreateUser(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func (a *API) handleUpdateUser(c *gin.Context) {
	var req domain.UserUpdateRequest
	if !bindAndValidate(c, &req) {
		return
	}
	user, err := a.service.UpdateUser(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (a *API) handleDeleteUser(c *gin.Context) {
	if err := a.service.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
