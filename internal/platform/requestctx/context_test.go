package requestctx

import (
	"context"
	"testing"
)

func TestScopeRecordsIdentifiers(t *testing.T) {
	ctx, scope := WithScope(context.Background())
	if again, same := WithScope(ctx); again != ctx || same != scope {
		t.Fatalf("expected existing scope to be reused")
	}

	SetStoreID(ctx, " store-1 ")
	SetOrderID(ctx, "order-1")
	SetProvider(ctx, "MercadoPago")
	SetOrderID(ctx, "   ")

	got := scope.Fields()
	want := ScopeFields{StoreID: "store-1", OrderID: "order-1", Provider: "mercadopago"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestScopeSettersOutsideRequestAreNoops(t *testing.T) {
	ctx := context.Background()
	SetStoreID(ctx, "store-1")
	if ScopeFrom(ctx) != nil {
		t.Fatalf("expected no scope on a bare context")
	}
	var scope *Scope
	if scope.Fields() != (ScopeFields{}) {
		t.Fatalf("expected empty fields from nil scope")
	}
}
