// shop — типизированные ресурсы магазина сладостей поверх фасада сессии.
//
// Пакет не содержит бизнес-логики: только пути, параметры запросов, окна
// свежести и набор ключей, которые надо пометить устаревшими после записи.
package shop

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/pribylovaa/sweet-shop-client/internal/models"
	"github.com/pribylovaa/sweet-shop-client/internal/session"
)

const (
	sweetsPath     = "sweets"
	searchPath     = "sweets/search/advanced"
	featuredPath   = "sweets/featured"
	lowStockPath   = "sweets/low_stock"
	outOfStockPath = "sweets/out_of_stock"
	categoriesPath = "categories"
	statsPath      = "stats"
	dashboardPath  = "dashboard"
	bulkPath       = "bulk-operations"
)

// Окна свежести по видам ресурсов.
const (
	ListStaleAfter       = 2 * time.Minute
	SweetStaleAfter      = 5 * time.Minute
	CategoriesStaleAfter = time.Hour
	StatsStaleAfter      = 5 * time.Minute
	DashboardStaleAfter  = 5 * time.Minute
)

// derived — представления каталога, которые сервер строит из остатков
// и признаков позиций. Любая запись их меняет.
var derived = []string{searchPath, featuredPath, lowStockPath, outOfStockPath, statsPath, dashboardPath}

// Filter — параметры списка /sweets/.
type Filter struct {
	Search        string
	Category      string
	MinPrice      *float64
	MaxPrice      *float64
	AvailableOnly bool
	Page          int
	PageSize      int
}

func (f Filter) values() url.Values {
	v := url.Values{}
	if f.Search != "" {
		v.Set("search", f.Search)
	}
	if f.Category != "" {
		v.Set("category", f.Category)
	}
	setPrice(v, "min_price", f.MinPrice)
	setPrice(v, "max_price", f.MaxPrice)
	if f.AvailableOnly {
		v.Set("available_only", "true")
	}
	if f.Page > 0 {
		v.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(f.PageSize))
	}

	return v
}

// SearchParams — параметры /sweets/search/advanced/.
type SearchParams struct {
	Name          string
	Category      string
	MinPrice      *float64
	MaxPrice      *float64
	AvailableOnly bool
	IsFeatured    *bool
}

func (p SearchParams) values() url.Values {
	v := url.Values{}
	if p.Name != "" {
		v.Set("name", p.Name)
	}
	if p.Category != "" {
		v.Set("category", p.Category)
	}
	setPrice(v, "min_price", p.MinPrice)
	setPrice(v, "max_price", p.MaxPrice)
	if p.AvailableOnly {
		v.Set("available_only", "true")
	}
	if p.IsFeatured != nil {
		v.Set("is_featured", strconv.FormatBool(*p.IsFeatured))
	}

	return v
}

func setPrice(v url.Values, key string, p *float64) {
	if p != nil {
		v.Set(key, strconv.FormatFloat(*p, 'f', -1, 64))
	}
}

type Client struct {
	s *session.Session
}

func New(s *session.Session) *Client {
	return &Client{s: s}
}

// ListSweets — страница каталога.
func (c *Client) ListSweets(ctx context.Context, f Filter) session.Result[models.SweetPage] {
	return session.GetAs[models.SweetPage](ctx, c.s, sweetsPath, f.values(), session.WithStaleAfter(ListStaleAfter))
}

// Search — расширенный поиск.
func (c *Client) Search(ctx context.Context, p SearchParams) session.Result[models.SweetPage] {
	return session.GetAs[models.SweetPage](ctx, c.s, searchPath, p.values(), session.WithStaleAfter(ListStaleAfter))
}

// Featured — рекомендованные позиции в наличии.
func (c *Client) Featured(ctx context.Context, page int) session.Result[models.SweetPage] {
	var v url.Values
	if page > 0 {
		v = url.Values{"page": {strconv.Itoa(page)}}
	}

	return session.GetAs[models.SweetPage](ctx, c.s, featuredPath, v, session.WithStaleAfter(ListStaleAfter))
}

// LowStock — позиции с остатком не больше 10, по возрастанию остатка.
func (c *Client) LowStock(ctx context.Context) session.Result[[]models.Sweet] {
	return session.GetAs[[]models.Sweet](ctx, c.s, lowStockPath, nil, session.WithStaleAfter(ListStaleAfter))
}

func (c *Client) OutOfStock(ctx context.Context) session.Result[[]models.Sweet] {
	return session.GetAs[[]models.Sweet](ctx, c.s, outOfStockPath, nil, session.WithStaleAfter(ListStaleAfter))
}

func (c *Client) GetSweet(ctx context.Context, id int64) session.Result[models.Sweet] {
	return session.GetAs[models.Sweet](ctx, c.s, sweetPath(id), nil, session.WithStaleAfter(SweetStaleAfter))
}

// CreateSweet — новая позиция (только администратор).
func (c *Client) CreateSweet(ctx context.Context, in models.SweetInput) session.Result[models.Sweet] {
	return settle(c, session.CreateAs[models.Sweet](ctx, c.s, sweetsPath, in))
}

// UpdateSweet — полное обновление позиции (PUT).
func (c *Client) UpdateSweet(ctx context.Context, id int64, in models.SweetInput) session.Result[models.Sweet] {
	return settle(c, session.UpdateAs[models.Sweet](ctx, c.s, sweetPath(id), in))
}

// PatchSweet — частичное обновление позиции (PATCH).
func (c *Client) PatchSweet(ctx context.Context, id int64, fields map[string]any) session.Result[models.Sweet] {
	return settle(c, session.PatchAs[models.Sweet](ctx, c.s, sweetPath(id), fields))
}

// DeleteSweet удаляет позицию. Сервер отказывает, пока на складе есть остаток.
func (c *Client) DeleteSweet(ctx context.Context, id int64) session.Result[struct{}] {
	return settle(c, c.s.Delete(ctx, sweetPath(id)))
}

// Purchase — покупка quantity единиц.
func (c *Client) Purchase(ctx context.Context, id int64, quantity int) session.Result[models.InventoryResponse] {
	res := session.ActionAs[models.InventoryResponse](ctx, c.s, sweetPath(id), "purchase",
		models.PurchaseRequest{Quantity: quantity}, session.WithEntityField("sweet"))

	return settle(c, res)
}

// Restock — пополнение склада (только администратор).
func (c *Client) Restock(ctx context.Context, id int64, quantity int, reason string) session.Result[models.InventoryResponse] {
	res := session.ActionAs[models.InventoryResponse](ctx, c.s, sweetPath(id), "restock",
		models.RestockRequest{Quantity: quantity, Reason: reason}, session.WithEntityField("sweet"))

	return settle(c, res)
}

func (c *Client) Categories(ctx context.Context) session.Result[[]models.Category] {
	return session.GetAs[[]models.Category](ctx, c.s, categoriesPath, nil, session.WithStaleAfter(CategoriesStaleAfter))
}

func (c *Client) Stats(ctx context.Context) session.Result[models.Stats] {
	return session.GetAs[models.Stats](ctx, c.s, statsPath, nil, session.WithStaleAfter(StatsStaleAfter))
}

// Dashboard — сводка для администратора.
func (c *Client) Dashboard(ctx context.Context) session.Result[models.Dashboard] {
	return session.GetAs[models.Dashboard](ctx, c.s, dashboardPath, nil, session.WithStaleAfter(DashboardStaleAfter))
}

// Bulk — групповая операция над позициями (только администратор). Затрагивает
// произвольный набор позиций, поэтому после успеха устаревшим помечается
// весь каталог.
func (c *Client) Bulk(ctx context.Context, req models.BulkRequest) session.Result[models.BulkResponse] {
	res := session.CreateAs[models.BulkResponse](ctx, c.s, bulkPath, req)
	if res.OK {
		c.s.Invalidate(sweetsPath)
	}

	return settle(c, res)
}

// settle помечает устаревшими производные представления каталога после
// успешной записи.
func settle[T any](c *Client, r session.Result[T]) session.Result[T] {
	if r.OK {
		for _, p := range derived {
			c.s.Invalidate(p)
		}
	}

	return r
}

func sweetPath(id int64) string {
	return sweetsPath + "/" + strconv.FormatInt(id, 10)
}
