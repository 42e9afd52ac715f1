package inventory

import (
	"fmt"
	"time"
)

// Direction is the sign of the stock change that triggered alert evaluation.
type Direction int

const (
	DirectionNone     Direction = 0
	DirectionDecrease Direction = -1
	DirectionIncrease Direction = 1
)

func directionOf(delta int64) Direction {
	switch {
	case delta > 0:
		return DirectionIncrease
	case delta < 0:
		return DirectionDecrease
	default:
		return DirectionNone
	}
}

// alertPlan lists the alert writes derived from a product's new stock level.
type alertPlan struct {
	create  []StockAlert
	resolve []StockAlert
}

func (p alertPlan) empty() bool {
	return len(p.create) == 0 && len(p.resolve) == 0
}

// planAlerts compares the product against its active alerts. It never plans a
// second ACTIVE alert of a kind that is already active.
func planAlerts(product Product, active []StockAlert, dir Direction, now time.Time) alertPlan {
	byKind := make(map[AlertKind]StockAlert, len(active))
	for _, a := range active {
		if a.Status == AlertActive {
			byKind[a.Kind] = a
		}
	}
	var plan alertPlan
	newAlert := func(kind AlertKind, threshold int64, message string) {
		if _, exists := byKind[kind]; exists {
			return
		}
		plan.create = append(plan.create, StockAlert{
			TenantID:     product.TenantID,
			ProductID:    product.ID,
			Kind:         kind,
			Status:       AlertActive,
			CurrentStock: product.Stock,
			Threshold:    threshold,
			Message:      message,
			CreatedAt:    now,
		})
	}
	resolve := func(kind AlertKind) {
		if a, exists := byKind[kind]; exists {
			plan.resolve = append(plan.resolve, a)
		}
	}

	switch dir {
	case DirectionDecrease:
		if product.Stock > 0 && product.Stock <= product.MinStock {
			newAlert(AlertLowStock, product.MinStock, lowStockMessage(product))
		} else if product.Stock <= 0 {
			newAlert(AlertOutOfStock, 0, fmt.Sprintf("Product %q is out of stock", product.Name))
		}
		if product.MaxStock != nil && product.Stock <= *product.MaxStock {
			resolve(AlertOverstock)
		}
	case DirectionIncrease:
		if product.Stock > 0 {
			resolve(AlertOutOfStock)
		}
		if product.Stock > product.MinStock {
			resolve(AlertLowStock)
		}
		if product.MaxStock != nil && product.Stock > *product.MaxStock {
			newAlert(AlertOverstock, *product.MaxStock,
				fmt.Sprintf("Overstock for %q: %d units (maximum: %d)", product.Name, product.Stock, *product.MaxStock))
		}
	}
	return plan
}

func lowStockMessage(p Product) string {
	return fmt.Sprintf("Low stock for %q: %d units (minimum: %d)", p.Name, p.Stock, p.MinStock)
}
