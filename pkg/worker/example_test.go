package worker_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/nodeflow"
	"github.com/petrijr/nodeflow/pkg/worker"
)

// ExampleWorker demonstrates constructing a Worker explicitly and using it
// to execute the task of an action node.
func ExampleWorker() {
	ctx := context.Background()
	eng := nodeflow.NewInMemoryEngine()

	nodeflow.NewWorkflow("background-job", "Order").
		Trigger("start").
		Action("work", "process_order").
		End("done").
		Connect("start", "work").
		Connect("work", "done").
		MustDeploy(ctx, eng)

	reg := worker.NewRegistry()
	reg.RegisterFunc("process_order", func(ctx context.Context, req nodeflow.ActionRequest) (nodeflow.StateData, error) {
		return nodeflow.StateData{"processed": req.Input["order"]}, nil
	})

	w := worker.NewWithConfig(eng, reg, worker.Config{
		WorkerID: "billing-1",
		Queues:   []string{nodeflow.QueueDefault},
	})

	if _, err := nodeflow.Start(ctx, eng, "background-job", "Order", "order-1", nodeflow.StateData{"order": "A-100"}); err != nil {
		log.Fatal(err)
	}

	// Process a single task. In a real application you would call Run or use
	// a Pool instead.
	processed, err := w.ProcessOne(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("processed:", processed)

	// Output:
	// processed: true
}
