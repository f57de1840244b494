package fakeapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pribylovaa/sweet-shop-client/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	lowStockLimit   = 10
)

var categories = []models.Category{
	{Value: models.CategoryChocolate, Label: "Chocolate"},
	{Value: models.CategoryCandy, Label: "Candy"},
	{Value: models.CategoryCake, Label: "Cake"},
	{Value: models.CategoryCookie, Label: "Cookie"},
	{Value: models.CategoryDessert, Label: "Dessert"},
	{Value: models.CategoryIndian, Label: "Indian Sweet"},
	{Value: models.CategoryBakery, Label: "Bakery Item"},
	{Value: models.CategoryOther, Label: "Other"},
}

func categoryLabel(v string) (string, bool) {
	for _, c := range categories {
		if c.Value == v {
			return c.Label, true
		}
	}

	return "", false
}

// filter — условия выборки списка и расширенного поиска.
type filter struct {
	search        string
	name          string
	category      string
	minPrice      *float64
	maxPrice      *float64
	availableOnly bool
	featured      bool
	page          int
	pageSize      int
}

func parseFilter(q url.Values) (filter, error) {
	f := filter{
		search:   strings.ToLower(strings.TrimSpace(q.Get("search"))),
		name:     strings.ToLower(strings.TrimSpace(q.Get("name"))),
		category: q.Get("category"),
		page:     1,
		pageSize: defaultPageSize,
	}

	fe := fieldErrors{}

	for _, p := range []struct {
		key string
		dst **float64
	}{{"min_price", &f.minPrice}, {"max_price", &f.maxPrice}} {
		if raw := q.Get(p.key); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				fe.add(p.key, "A valid number is required.")
				continue
			}
			*p.dst = &v
		}
	}

	f.availableOnly = strings.EqualFold(q.Get("available_only"), "true")
	f.featured = strings.EqualFold(q.Get("is_featured"), "true")

	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, ErrNotFound
		}
		f.page = n
	}

	if raw := q.Get("page_size"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			f.pageSize = min(n, maxPageSize)
		}
	}

	if len(fe) > 0 {
		return f, fe
	}

	return f, nil
}

func (f filter) match(sw *models.Sweet) bool {
	if f.search != "" &&
		!strings.Contains(strings.ToLower(sw.Name), f.search) &&
		!strings.Contains(strings.ToLower(sw.Description), f.search) &&
		!strings.Contains(strings.ToLower(sw.Category), f.search) {
		return false
	}
	if f.name != "" && !strings.Contains(strings.ToLower(sw.Name), f.name) {
		return false
	}
	if f.category != "" && sw.Category != f.category {
		return false
	}
	if f.minPrice != nil && float64(sw.Price) < *f.minPrice {
		return false
	}
	if f.maxPrice != nil && float64(sw.Price) > *f.maxPrice {
		return false
	}
	if f.availableOnly && sw.Quantity <= 0 {
		return false
	}
	if f.featured && !sw.IsFeatured {
		return false
	}

	return true
}

func (s *Server) listSweets(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, nil)
}

func (s *Server) searchSweets(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, nil)
}

// page отдаёт страницу выборки, новые позиции первыми. adjust (если задан)
// дополняет условия из строки запроса.
func (s *Server) page(w http.ResponseWriter, r *http.Request, adjust func(*filter)) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if adjust != nil {
		adjust(&f)
	}

	s.mu.Lock()
	matched := make([]models.Sweet, 0, len(s.sweets))
	for _, sw := range s.sweets {
		if f.match(sw) {
			matched = append(matched, *sw)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(matched, func(a, b models.Sweet) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		default:
			return 0
		}
	})

	total := len(matched)
	pages := int(math.Ceil(float64(total) / float64(f.pageSize)))
	if f.page > 1 && f.page > pages {
		writeError(w, r, ErrNotFound)
		return
	}

	from := min((f.page-1)*f.pageSize, total)
	to := min(from+f.pageSize, total)

	out := models.SweetPage{
		Count:       total,
		TotalPages:  pages,
		CurrentPage: f.page,
		Results:     matched[from:to],
	}
	if to < total {
		out.Next = pageLink(r, f.page+1)
	}
	if f.page > 1 {
		out.Previous = pageLink(r, f.page-1)
	}

	writeJSON(w, http.StatusOK, out)
}

func pageLink(r *http.Request, page int) *string {
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	link := r.URL.Path + "?" + q.Encode()

	return &link
}

func (s *Server) createSweet(w http.ResponseWriter, r *http.Request) {
	var in models.SweetInput
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	if fe := validateSweet(in); len(fe) > 0 {
		writeError(w, r, fe)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isAdmin(r) {
		writeError(w, r, ErrForbidden)
		return
	}

	writeJSON(w, http.StatusCreated, s.insertSweet(in))
}

func (s *Server) getSweet(w http.ResponseWriter, r *http.Request) {
	id, err := sweetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.sweets[id]
	if !ok {
		writeError(w, r, ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) updateSweet(w http.ResponseWriter, r *http.Request) {
	var in models.SweetInput
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	s.applySweet(w, r, func(models.SweetInput) models.SweetInput { return in })
}

// patchSweet — частичное обновление: поля тела накладываются на текущие.
func (s *Server) patchSweet(w http.ResponseWriter, r *http.Request) {
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, r, badRequest("malformed request body"))
		return
	}

	s.applySweet(w, r, func(cur models.SweetInput) models.SweetInput {
		raw, _ := json.Marshal(cur)

		var merged map[string]json.RawMessage
		_ = json.Unmarshal(raw, &merged)
		for k, v := range patch {
			merged[k] = v
		}

		raw, _ = json.Marshal(merged)
		var out models.SweetInput
		if err := json.Unmarshal(raw, &out); err != nil {
			return cur
		}

		return out
	})
}

func (s *Server) applySweet(w http.ResponseWriter, r *http.Request, next func(models.SweetInput) models.SweetInput) {
	id, err := sweetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isAdmin(r) {
		writeError(w, r, ErrForbidden)
		return
	}

	sw, ok := s.sweets[id]
	if !ok {
		writeError(w, r, ErrNotFound)
		return
	}

	in := next(inputOf(sw))
	if fe := validateSweet(in); len(fe) > 0 {
		writeError(w, r, fe)
		return
	}

	sw.Name = in.Name
	sw.Description = in.Description
	sw.Category = in.Category
	sw.Price = models.Price(in.Price)
	sw.Quantity = in.Quantity
	sw.Calories = in.Calories
	sw.IsFeatured = in.IsFeatured
	s.touch(sw)

	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) deleteSweet(w http.ResponseWriter, r *http.Request) {
	id, err := sweetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isAdmin(r) {
		writeError(w, r, ErrForbidden)
		return
	}

	sw, ok := s.sweets[id]
	if !ok {
		writeError(w, r, ErrNotFound)
		return
	}

	if sw.Quantity > 0 {
		writeError(w, r, badRequest("Cannot delete sweet with stock. Restock to zero first."))
		return
	}

	delete(s.sweets, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) purchase(w http.ResponseWriter, r *http.Request) {
	id, err := sweetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var in models.PurchaseRequest
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.sweets[id]
	if !ok {
		writeError(w, r, ErrNotFound)
		return
	}

	if sw.Quantity <= 0 {
		writeError(w, r, badRequest("This sweet is out of stock"))
		return
	}
	if in.Quantity < 1 {
		writeError(w, r, fieldErrors{"quantity": {"Ensure this value is greater than or equal to 1."}})
		return
	}
	if in.Quantity > sw.Quantity {
		writeError(w, r, fieldErrors{"quantity": {fmt.Sprintf("Insufficient stock. Only %d available.", sw.Quantity)}})
		return
	}

	sw.Quantity -= in.Quantity
	s.touch(sw)

	out := *sw
	writeJSON(w, http.StatusOK, models.InventoryResponse{
		Message: "Purchase successful",
		Sweet:   &out,
		Purchase: &models.PurchaseDetails{
			Sweet:          sw.Name,
			Quantity:       in.Quantity,
			TotalPrice:     math.Round(float64(sw.Price)*float64(in.Quantity)*100) / 100,
			RemainingStock: sw.Quantity,
		},
	})
}

func (s *Server) restock(w http.ResponseWriter, r *http.Request) {
	id, err := sweetID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var in models.RestockRequest
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, r, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isAdmin(r) {
		writeError(w, r, ErrForbidden)
		return
	}

	sw, ok := s.sweets[id]
	if !ok {
		writeError(w, r, ErrNotFound)
		return
	}

	if in.Quantity < 1 {
		writeError(w, r, fieldErrors{"quantity": {"Ensure this value is greater than or equal to 1."}})
		return
	}

	sw.Quantity += in.Quantity
	s.touch(sw)

	out := *sw
	writeJSON(w, http.StatusOK, models.InventoryResponse{
		Message: "Restock successful",
		Sweet:   &out,
		Restock: &models.RestockDetails{
			Sweet:    sw.Name,
			Quantity: in.Quantity,
			Reason:   in.Reason,
			NewStock: sw.Quantity,
		},
	})
}

func (s *Server) categories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out models.Stats
	byCat := make(map[string]*models.CategoryStats)
	weekAgo := s.opts.Now().AddDate(0, 0, -7)
	var priceSum float64

	for _, sw := range s.sweets {
		value := float64(sw.Price) * float64(sw.Quantity)

		out.TotalSweets++
		out.TotalValue += value
		out.TotalQuantity += sw.Quantity
		priceSum += float64(sw.Price)

		switch {
		case sw.Quantity == 0:
			out.StockStatus.OutOfStock++
		case sw.Quantity <= lowStockLimit:
			out.StockStatus.LowStock++
		default:
			out.StockStatus.InStock++
		}

		cs, ok := byCat[sw.Category]
		if !ok {
			cs = &models.CategoryStats{Category: sw.Category}
			byCat[sw.Category] = cs
		}
		cs.Count++
		cs.TotalQuantity += sw.Quantity
		cs.TotalValue += value

		if sw.CreatedAt != nil && sw.CreatedAt.After(weekAgo) {
			out.RecentAdditions++
		}
	}

	if out.TotalSweets > 0 {
		out.AveragePrice = priceSum / float64(out.TotalSweets)
	}

	out.ByCategory = make([]models.CategoryStats, 0, len(byCat))
	for _, cs := range byCat {
		out.ByCategory = append(out.ByCategory, *cs)
	}
	slices.SortFunc(out.ByCategory, func(a, b models.CategoryStats) int {
		return strings.Compare(a.Category, b.Category)
	})

	writeJSON(w, http.StatusOK, out)
}

func validateSweet(in models.SweetInput) fieldErrors {
	fe := fieldErrors{}

	if strings.TrimSpace(in.Name) == "" {
		fe.add("name", "This field may not be blank.")
	}
	if _, ok := categoryLabel(in.Category); !ok {
		fe.add("category", fmt.Sprintf("%q is not a valid choice.", in.Category))
	}
	if in.Price <= 0 {
		fe.add("price", "must be positive")
	}
	if in.Quantity < 0 {
		fe.add("quantity", "Quantity cannot be negative.")
	}

	return fe
}

// insertSweet добавляет позицию. Вызывается под s.mu.
func (s *Server) insertSweet(in models.SweetInput) *models.Sweet {
	s.nextSweet++
	now := s.opts.Now().UTC()

	sw := &models.Sweet{
		ID:          s.nextSweet,
		Name:        in.Name,
		Description: in.Description,
		Category:    in.Category,
		Price:       models.Price(in.Price),
		Quantity:    in.Quantity,
		Calories:    in.Calories,
		IsFeatured:  in.IsFeatured,
		CreatedAt:   timePtr(now),
	}
	s.touch(sw)
	s.sweets[sw.ID] = sw

	return sw
}

// touch пересчитывает производные поля позиции. Вызывается под s.mu.
func (s *Server) touch(sw *models.Sweet) {
	sw.UpdatedAt = timePtr(s.opts.Now().UTC())
	sw.CategoryDisplay, _ = categoryLabel(sw.Category)
	sw.IsAvailable = sw.Quantity > 0

	switch {
	case sw.Quantity == 0:
		sw.StockStatus = "out_of_stock"
	case sw.Quantity <= lowStockLimit:
		sw.StockStatus = "low_stock"
	default:
		sw.StockStatus = "in_stock"
	}
}

func inputOf(sw *models.Sweet) models.SweetInput {
	return models.SweetInput{
		Name:        sw.Name,
		Description: sw.Description,
		Category:    sw.Category,
		Price:       float64(sw.Price),
		Quantity:    sw.Quantity,
		Calories:    sw.Calories,
		IsFeatured:  sw.IsFeatured,
	}
}

func sweetID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrNotFound
	}

	return id, nil
}
