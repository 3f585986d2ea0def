// Package inventory produces the stock-consumption records a completed
// appointment hands to the inventory system.
package inventory

import (
	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/services/scheduling-service/internal/treatment"
)

// StockConsumption is one signed stock movement. Negative quantity means
// consumption. Ownership passes to the inventory tables the moment the
// completion transaction commits.
type StockConsumption struct {
	ProductID     uuid.UUID
	Quantity      int
	AppointmentID uuid.UUID
}

// ForTreatment builds one consumption record per required product of the
// treatment, each decrementing the per-session quantity.
func ForTreatment(t treatment.Treatment, appointmentID uuid.UUID) []StockConsumption {
	records := make([]StockConsumption, 0, len(t.RequiredProducts))
	for _, rp := range t.RequiredProducts {
		if rp.QuantityPerSession <= 0 {
			continue
		}
		records = append(records, StockConsumption{
			ProductID:     rp.ProductID,
			Quantity:      -rp.QuantityPerSession,
			AppointmentID: appointmentID,
		})
	}
	return records
}
