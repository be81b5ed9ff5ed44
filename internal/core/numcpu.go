package core

import "runtime"

func numCPU() int {
	return runtime.NumCPU()
}
