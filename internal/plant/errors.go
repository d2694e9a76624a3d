package plant

import "errors"

// ErrInjected is wrapped by failures configured with FailOn.
var ErrInjected = errors.New("plant: injected fault")
