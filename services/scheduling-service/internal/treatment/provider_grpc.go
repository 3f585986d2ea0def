//go:build protogen

package treatment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aureaclinic/clinicsched/libs/grpcx"
	catalogv1 "github.com/aureaclinic/clinicsched/protos/gen/catalog/v1"
)

// grpcProvider queries the catalog service when it runs out of process.
// Requires generated protos (make protogen).
type grpcProvider struct {
	client catalogv1.CatalogServiceClient
}

func NewRemoteProvider(addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcProvider{client: catalogv1.NewCatalogServiceClient(conn)}, nil
}

func (p *grpcProvider) GetTreatment(ctx context.Context, id uuid.UUID) (Treatment, error) {
	resp, err := p.client.GetTreatment(ctx, &catalogv1.GetTreatmentRequest{Id: id.String()})
	if err != nil {
		return Treatment{}, err
	}
	t := Treatment{
		ID:                 id,
		Name:               resp.GetName(),
		DurationMinutes:    int(resp.GetDurationMinutes()),
		PrescribedSessions: int(resp.GetPrescribedSessions()),
	}
	for _, rp := range resp.GetRequiredProducts() {
		productID, err := uuid.Parse(rp.GetProductId())
		if err != nil {
			continue
		}
		t.RequiredProducts = append(t.RequiredProducts, RequiredProduct{
			ProductID:          productID,
			QuantityPerSession: int(rp.GetQuantityPerSession()),
		})
	}
	return t, nil
}
