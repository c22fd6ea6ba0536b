package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin    = "admin"
	RoleEmployee = "employee"
)

const (
	SaleStatusPending       = "pending"
	SaleStatusConfirmed     = "confirmed"
	SaleStatusReturned      = "returned"
	SaleStatusPartialReturn = "partial_return"
)

const (
	UncategorizedName   = "Uncategorized"
	WalkInCustomerName  = "Walk-in Customer"
	ProtectedAdminID    = "1"
	ProtectedAdminLogin = "admin"
)

type Category struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

type CategoryRequest struct {
	Name string `json:"name" validate:"required,max=120"`
}

type Product struct {
	ID         string          `json:"id" db:"id"`
	Barcode    string          `json:"barcode,omitempty" db:"barcode"`
	Name       string          `json:"name" db:"name"`
	CategoryID string          `json:"category_id" db:"category_id"`
	CostPrice  decimal.Decimal `json:"cost_price" db:"cost_price"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Quantity   int             `json:"quantity" db:"quantity"`
}

// MarginPercent is (price-cost)/price*100, or zero when the product is free.
func (p Product) MarginPercent() decimal.Decimal {
	if p.Price.IsZero() {
		return decimal.Zero
	}
	return p.Price.Sub(p.CostPrice).Div(p.Price).Mul(decimal.NewFromInt(100)).Round(2)
}

type ProductUpsertRequest struct {
	Barcode    string          `json:"barcode" validate:"max=64"`
	Name       string          `json:"name" validate:"required,max=200"`
	CategoryID string          `json:"category_id" validate:"required"`
	CostPrice  decimal.Decimal `json:"cost_price" validate:"min=0"`
	Price      decimal.Decimal `json:"price" validate:"min=0"`
	Quantity   int             `json:"quantity" validate:"min=0"`
}

type ProductFilter struct {
	Query      string
	CategoryID string
}

type ProductView struct {
	Product
	CategoryName  string          `json:"category_name"`
	MarginPercent decimal.Decimal `json:"margin_percent"`
}

type ProductUpsertResponse struct {
	Product        Product `json:"product"`
	NegativeMargin bool    `json:"negative_margin"`
}

type SaleItem struct {
	ProductID        string          `json:"product_id"`
	ProductName      string          `json:"product_name"`
	Price            decimal.Decimal `json:"price"`
	CostPrice        decimal.Decimal `json:"cost_price"`
	Quantity         int             `json:"quantity"`
	ReturnedQuantity int             `json:"returned_quantity"`
	Total            decimal.Decimal `json:"total"`
}

func (i SaleItem) Remaining() int {
	return i.Quantity - i.ReturnedQuantity
}

type Sale struct {
	ID            string          `json:"id"`
	Date          time.Time       `json:"date"`
	Items         []SaleItem      `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	SellerID      string          `json:"seller_id"`
	CustomerName  string          `json:"customer_name,omitempty"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	Status        string          `json:"status"`
}

// SaleFilter narrows ListSales. Offset skips that many matches after
// sorting, then Limit caps the page. A zero Limit returns everything.
type SaleFilter struct {
	Query  string
	Status string
	Offset int
	Limit  int
}

type CartLine struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"min=1"`
}

type CheckoutRequest struct {
	Items         []CartLine `json:"items" validate:"required,min=1,dive"`
	CustomerName  string     `json:"customer_name" validate:"max=120"`
	CustomerPhone string     `json:"customer_phone" validate:"max=32"`
}

type PartialReturnRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity"`
}

type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"password_hash" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

type UserView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (u User) View() UserView {
	return UserView{ID: u.ID, Username: u.Username, Role: u.Role, CreatedAt: u.CreatedAt}
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type UserUpdateRequest struct {
	Username *string `json:"username,omitempty" validate:"omitempty,min=3,max=64"`
	Password *string `json:"password,omitempty" validate:"omitempty,min=6,max=72"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=72"`
}

type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	ExpiresAt   string   `json:"expires_at"`
	User        UserView `json:"user"`
}

// Actor is the authenticated session of the request.
type Actor struct {
	UserID   string
	Username string
	Role     string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type ProductSales struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
}

type DashboardStats struct {
	Date            string           `json:"date"`
	Revenue         decimal.Decimal  `json:"revenue"`
	Profit          *decimal.Decimal `json:"profit,omitempty"`
	InvoiceCount    int              `json:"invoice_count"`
	TopProducts     []ProductSales   `json:"top_products"`
	LowStock        []Product        `json:"low_stock"`
	RecentSales     []Sale           `json:"recent_sales"`
	LowStockCeiling int              `json:"low_stock_threshold"`
}
