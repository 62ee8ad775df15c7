package util

import (
	"fmt"
)

var ErrConnectingToService = fmt.Errorf("Could not connect to the service. Make sure it is running by typing \"metabridgectl ls\".")
var ErrTimedOut = fmt.Errorf("Request timed out. The service may be overloaded or stuck; try again or restart it.")
