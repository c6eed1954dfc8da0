package router_test

import (
	"context"
	"fmt"

	"github.com/normanking/cortex-rag/internal/router"
)

// ExampleNew demonstrates basic router usage.
func ExampleNew() {
	// Create a router without a classifier (fast rules and default decision)
	r := router.New()

	decision := r.Route(context.Background(), "What's in my uploaded documents about pricing?", router.Overrides{})

	fmt.Printf("Intent: %s\n", decision.Intent)
	fmt.Printf("Index: %v\n", decision.ShouldUseIndex())
	fmt.Printf("Path: %s\n", decision.Path)

	// Output:
	// Intent: documents
	// Index: true
	// Path: fast
}

// ExampleRouter_Route_overrides demonstrates that disable flags win over
// force flags.
func ExampleRouter_Route_overrides() {
	r := router.New()

	decision := r.Route(context.Background(), "latest news on fusion energy", router.Overrides{
		ForceIndex:   true,
		DisableIndex: true,
		DisableWeb:   true,
	})

	fmt.Printf("Intent: %s\n", decision.Intent)
	fmt.Printf("Index: %v\n", decision.ShouldUseIndex())
	fmt.Printf("Web: %v\n", decision.ShouldUseWeb())

	// Output:
	// Intent: web_search
	// Index: false
	// Web: false
}

// ExampleRouter_Route_classifier demonstrates plugging in a model classifier.
func ExampleRouter_Route_classifier() {
	cls := router.ClassifierFunc(func(ctx context.Context, query string) (*router.RoutingDecision, error) {
		return router.ParseClassification(`{"intent":"hybrid","use_index":true,"use_web":true,"confidence":0.8}`), nil
	})
	r := router.New(router.WithClassifier(cls))

	decision := r.Route(context.Background(), "compare our roadmap with competitors", router.Overrides{})

	fmt.Printf("Intent: %s\n", decision.Intent)
	fmt.Printf("Path: %s\n", decision.Path)
	fmt.Printf("Confidence: %.2f\n", decision.Confidence)

	// Output:
	// Intent: hybrid
	// Path: model
	// Confidence: 0.80
}
