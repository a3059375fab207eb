package errors

// Code represents an error code
type Code string

// Error codes used across the engine
const (
	CodeUnknown               Code = "UNKNOWN"                 // Unknown error occurred
	CodeInternalError         Code = "INTERNAL_ERROR"          // Internal system error
	CodeValidationFailed      Code = "VALIDATION_FAILED"       // Input validation failed
	CodeInvalidParameter      Code = "INVALID_PARAMETER"       // Invalid parameter provided
	CodeMissingParameter      Code = "MISSING_PARAMETER"       // Required parameter missing
	CodeTypeConversionFailed  Code = "TYPE_CONVERSION_FAILED"  // Property map conversion failed
	CodeSchemaUnknown         Code = "SCHEMA_UNKNOWN"          // Schema name not registered
	CodeIoError               Code = "IO_ERROR"                // Input/output operation failed
	CodeResourceNotFound      Code = "RESOURCE_NOT_FOUND"      // Resource not found
	CodeResourceAlreadyExists Code = "RESOURCE_ALREADY_EXISTS" // Resource already exists
	CodeResourceExhausted     Code = "RESOURCE_EXHAUSTED"      // Resource exhausted
	CodeGraphValidation       Code = "GRAPH_VALIDATION"        // Workflow graph failed validation
	CodeNoSuccessor           Code = "NO_SUCCESSOR"            // No edge matches the produced payload
	CodeInvalidResume         Code = "INVALID_RESUME"          // Resume called on non-suspended instance
	CodeInvalidState          Code = "INVALID_STATE"           // Invalid state transition
	CodeStepFailed            Code = "STEP_FAILED"             // Step execution failed
	CodeStepTimeout           Code = "STEP_TIMEOUT"            // Step exceeded its timeout
	CodeCircuitOpen           Code = "CIRCUIT_OPEN"            // Circuit breaker denied the invocation
	CodeInvocationLimit       Code = "INVOCATION_LIMIT"        // Per-instance invocation limit exceeded
	CodeAsyncHandlerMissing   Code = "ASYNC_HANDLER_MISSING"   // No async handler matches the task id
	CodeWorkflowFailed        Code = "WORKFLOW_FAILED"         // Workflow execution failed
	CodeVersionMismatch       Code = "VERSION_MISMATCH"        // Registered graph structure differs
	CodeConfigurationInvalid  Code = "CONFIGURATION_INVALID"   // Configuration invalid
	CodeTimeoutError          Code = "TIMEOUT_ERROR"           // Operation timed out
	CodeOperationFailed       Code = "OPERATION_FAILED"        // Operation failed
	CodeNotFound              Code = "NOT_FOUND"               // Not found
	CodeAlreadyExists         Code = "ALREADY_EXISTS"          // Already exists
)
