package config

import "os"

// Runtime is where the process runs.
type Runtime string

const (
	RuntimeLambda Runtime = "lambda"
	RuntimeECS    Runtime = "ecs"
	RuntimeLocal  Runtime = "local"
)

// DetectRuntime inspects the variables AWS sets for Lambda and ECS.
func DetectRuntime() Runtime {
	switch {
	case os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "":
		return RuntimeLambda
	case os.Getenv("ECS_CONTAINER_METADATA_URI_V4") != "" || os.Getenv("ECS_CONTAINER_METADATA_URI") != "":
		return RuntimeECS
	default:
		return RuntimeLocal
	}
}

// lambdaMaxWorkers bounds scoring goroutines in a function: the vCPU share is
// small and writes dominate.
const lambdaMaxWorkers = 4

// ApplyRuntime adjusts settings that depend on the host. Lambda gets fewer
// workers, smaller checkpoints so a timed-out invocation loses little work,
// and never an on-disk cache.
func (c *Config) ApplyRuntime(rt Runtime) {
	if rt != RuntimeLambda {
		return
	}
	engine := &c.Similarity.Engine
	if engine.Workers <= 0 || engine.Workers > lambdaMaxWorkers {
		engine.Workers = lambdaMaxWorkers
	}
	engine.ChunkSize = min(engine.ChunkSize, 25)
	if c.Cache.Provider == "badger" {
		c.Cache.Provider = "memory"
	}
}
