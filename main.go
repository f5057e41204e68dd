/*
Copyright © 2025 ALESSIO TONIOLO
*/
package main

import "github.com/atoniolo76/dreamgate/cmd"

func main() {
	cmd.Execute()
}
