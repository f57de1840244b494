package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Категории сладостей (значения поля category).
const (
	CategoryChocolate = "chocolate"
	CategoryCandy     = "candy"
	CategoryCake      = "cake"
	CategoryCookie    = "cookie"
	CategoryDessert   = "dessert"
	CategoryIndian    = "indian"
	CategoryBakery    = "bakery"
	CategoryOther     = "other"
)

// Price — цена за единицу. Сервер может отдавать decimal строкой ("12.50")
// или числом; оба варианта принимаются.
type Price float64

func (p *Price) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = 0
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*p = 0
			return nil
		}

		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("price %q: %w", s, err)
		}
		*p = Price(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*p = Price(f)

	return nil
}

// Sweet — позиция каталога.
type Sweet struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Category         string     `json:"category"`
	CategoryDisplay  string     `json:"category_display,omitempty"`
	Price            Price      `json:"price"`
	Quantity         int        `json:"quantity"`
	IsAvailable      bool       `json:"is_available"`
	StockStatus      string     `json:"stock_status,omitempty"`
	Calories         *int       `json:"calories,omitempty"`
	IsFeatured       bool       `json:"is_featured"`
	ImageURL         string     `json:"image_url,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
	DaysSinceCreated int        `json:"days_since_created,omitempty"`
}

// SweetInput — тело создания и полного обновления позиции.
type SweetInput struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Calories    *int    `json:"calories,omitempty"`
	IsFeatured  bool    `json:"is_featured"`
}

// SweetPage — страница списка (/sweets/, /sweets/search/advanced/).
type SweetPage struct {
	Count       int     `json:"count"`
	TotalPages  int     `json:"total_pages,omitempty"`
	CurrentPage int     `json:"current_page,omitempty"`
	Next        *string `json:"next"`
	Previous    *string `json:"previous"`
	Results     []Sweet `json:"results"`
}

// Category — элемент /categories/.
type Category struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// PurchaseRequest — тело /sweets/{id}/purchase/.
type PurchaseRequest struct {
	Quantity int `json:"quantity"`
}

// RestockRequest — тело /sweets/{id}/restock/.
type RestockRequest struct {
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason,omitempty"`
}

// PurchaseDetails — итог покупки.
type PurchaseDetails struct {
	Sweet          string  `json:"sweet"`
	Quantity       int     `json:"quantity"`
	TotalPrice     float64 `json:"total_price"`
	RemainingStock int     `json:"remaining_stock"`
}

// RestockDetails — итог пополнения.
type RestockDetails struct {
	Sweet    string `json:"sweet"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason,omitempty"`
	NewStock int    `json:"new_stock"`
}

// InventoryResponse — ответ purchase/restock. Sweet присутствует, если сервер
// вернул актуальное состояние позиции.
type InventoryResponse struct {
	Message  string           `json:"message"`
	Sweet    *Sweet           `json:"sweet,omitempty"`
	Purchase *PurchaseDetails `json:"purchase_details,omitempty"`
	Restock  *RestockDetails  `json:"restock_details,omitempty"`
}

// StockStatus — распределение позиций по остатку.
type StockStatus struct {
	OutOfStock int `json:"out_of_stock"`
	LowStock   int `json:"low_stock"`
	InStock    int `json:"in_stock"`
}

// CategoryStats — агрегат по категории.
type CategoryStats struct {
	Category      string  `json:"category"`
	Count         int     `json:"count"`
	TotalQuantity int     `json:"total_quantity"`
	TotalValue    float64 `json:"total_value"`
}

// Stats — ответ /stats/.
type Stats struct {
	TotalSweets     int             `json:"total_sweets"`
	TotalValue      float64         `json:"total_value"`
	AveragePrice    float64         `json:"average_price"`
	TotalQuantity   int             `json:"total_quantity"`
	StockStatus     StockStatus     `json:"stock_status"`
	ByCategory      []CategoryStats `json:"by_category"`
	RecentAdditions int             `json:"recent_additions_7_days"`
}

// Операции /bulk-operations/.
const (
	BulkRestock    = "restock"
	BulkClearStock = "clear_stock"
	// BulkDelete удаляет только позиции с нулевым остатком.
	BulkDelete = "delete"
)

// BulkRequest — тело /bulk-operations/. Quantity нужен только для restock.
type BulkRequest struct {
	Operation string  `json:"operation"`
	SweetIDs  []int64 `json:"sweet_ids"`
	Quantity  int     `json:"quantity,omitempty"`
}

// BulkResponse — итог групповой операции.
type BulkResponse struct {
	Message      string `json:"message"`
	UpdatedCount int    `json:"updated_count,omitempty"`
	DeletedCount int    `json:"deleted_count,omitempty"`
}

// DashboardAlerts — число позиций, требующих внимания.
type DashboardAlerts struct {
	LowStock   int `json:"low_stock"`
	OutOfStock int `json:"out_of_stock"`
}

// Dashboard — ответ /dashboard/ (только администратор).
type Dashboard struct {
	Today          string          `json:"today"`
	Alerts         DashboardAlerts `json:"alerts"`
	InventoryValue float64         `json:"inventory_value"`
	TotalSweets    int             `json:"total_sweets"`
	TotalAvailable int             `json:"total_available"`
}
