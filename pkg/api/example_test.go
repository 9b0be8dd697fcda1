package api_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/nodeflow"
	"github.com/petrijr/nodeflow/pkg/api"
)

// ExampleWorkflowDefinition shows how to build a definition and a version
// directly with the api types and publish them on an Engine.
func ExampleWorkflowDefinition() {
	ctx := context.Background()
	eng := nodeflow.NewInMemoryEngine()

	def := api.WorkflowDefinition{Key: "noop", Name: "No-op", EntityType: "Lead"}
	if err := eng.RegisterDefinition(ctx, def); err != nil {
		log.Fatal(err)
	}

	err := eng.PublishVersion(ctx, api.WorkflowVersion{
		DefinitionKey: "noop",
		Nodes: []api.WorkflowNode{
			{ID: "start", Type: api.NodeTrigger, IsStartNode: true},
			{ID: "done", Type: api.NodeEnd, IsEndNode: true},
		},
		Transitions: []api.WorkflowTransition{
			{ID: "t1", SourceNodeID: "start", TargetNodeID: "done", ConditionType: api.ConditionAlways},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	id, err := eng.StartInstance(ctx, "noop", "Lead", "lead-1", api.StateData{"source": "web"})
	if err != nil {
		log.Fatal(err)
	}
	inst, err := eng.GetInstance(ctx, id)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("version %d finished with status %s\n", inst.VersionNumber, inst.Status)

	// Output:
	// version 1 finished with status COMPLETED
}
