package fakeapi

import (
	"cmp"
	"fmt"
	"math"
	"net/http"
	"slices"

	"github.com/pribylovaa/sweet-shop-client/internal/models"
)

// featuredSweets — рекомендованные позиции в наличии, постранично.
func (s *Server) featuredSweets(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, func(f *filter) {
		f.featured = true
		f.availableOnly = true
	})
}

// lowStock — позиции с остатком не больше lowStockLimit, по возрастанию остатка.
func (s *Server) lowStock(w http.ResponseWriter, r *http.Request) {
	s.stockView(w, func(sw *models.Sweet) bool { return sw.Quantity <= lowStockLimit })
}

func (s *Server) outOfStock(w http.ResponseWriter, r *http.Request) {
	s.stockView(w, func(sw *models.Sweet) bool { return sw.Quantity == 0 })
}

// stockView отдаёт массив (без пагинации) позиций, прошедших keep.
func (s *Server) stockView(w http.ResponseWriter, keep func(*models.Sweet) bool) {
	s.mu.Lock()
	out := make([]models.Sweet, 0)
	for _, sw := range s.sweets {
		if keep(sw) {
			out = append(out, *sw)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b models.Sweet) int {
		return cmp.Or(cmp.Compare(a.Quantity, b.Quantity), cmp.Compare(a.ID, b.ID))
	})

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isAdmin(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Admin access required"})
		return
	}

	out := models.Dashboard{Today: s.opts.Now().UTC().Format("2006-01-02")}
	for _, sw := range s.sweets {
		out.TotalSweets++
		out.InventoryValue += float64(sw.Price) * float64(sw.Quantity)

		switch {
		case sw.Quantity == 0:
			out.Alerts.OutOfStock++
		case sw.Quantity <= lowStockLimit:
			out.Alerts.LowStock++
		}
		if sw.Quantity > 0 {
			out.TotalAvailable++
		}
	}
	out.InventoryValue = math.Round(out.InventoryValue*100) / 100

	writeJSON(w, http.StatusOK, out)
}

// bulkOperations — групповые restock, clear_stock и delete. Неизвестные id
// пропускаются; delete удаляет только позиции с нулевым остатком.
func (s *Server) bulkOperations(w http.ResponseWriter, r *http.Request) {
	var in models.BulkRequest
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

	if in.Operation == "" || len(in.SweetIDs) == 0 {
		writeError(w, r, badRequest("Operation and sweet_ids are required"))
		return
	}

	var targets []*models.Sweet
	seen := make(map[int64]bool, len(in.SweetIDs))
	for _, id := range in.SweetIDs {
		if sw, ok := s.sweets[id]; ok && !seen[id] {
			seen[id] = true
			targets = append(targets, sw)
		}
	}

	switch in.Operation {
	case models.BulkRestock:
		if in.Quantity <= 0 {
			writeError(w, r, badRequest("Quantity must be positive for restock"))
			return
		}
		for _, sw := range targets {
			sw.Quantity += in.Quantity
			s.touch(sw)
		}
		writeJSON(w, http.StatusOK, models.BulkResponse{
			Message:      fmt.Sprintf("Restocked %d sweet(s) by %d units each", len(targets), in.Quantity),
			UpdatedCount: len(targets),
		})

	case models.BulkClearStock:
		for _, sw := range targets {
			sw.Quantity = 0
			s.touch(sw)
		}
		writeJSON(w, http.StatusOK, models.BulkResponse{
			Message:      fmt.Sprintf("Cleared stock for %d sweet(s)", len(targets)),
			UpdatedCount: len(targets),
		})

	case models.BulkDelete:
		n := 0
		for _, sw := range targets {
			if sw.Quantity == 0 {
				delete(s.sweets, sw.ID)
				n++
			}
		}
		writeJSON(w, http.StatusOK, models.BulkResponse{
			Message:      fmt.Sprintf("Deleted %d sweet(s) with zero stock", n),
			DeletedCount: n,
		})

	default:
		writeError(w, r, badRequest("Invalid operation"))
	}
}
