package enforce

import (
	"math"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
)

func init() {
	CheckCompiler()
}

// ENFORCE panics when given false or a non-nil error.
func ENFORCE(query any, args ...any) {
	switch t := query.(type) {
	case bool:
		if !t {
			logger.Printf("enforce", "ENFORCE: %v", args)
			panic(0)
		}
	case error:
		if t != nil {
			logger.Printf("enforce", "ENFORCE: %v", args)
			panic(t)
		}
	}
}

func CheckCompiler() {
	myint := int(math.MaxInt64) // Shouldn't compile on a 32 bit system.
	ENFORCE(uint64(myint) == uint64(int64(math.MaxInt64)), "Must be on 64 bit system.")
}
