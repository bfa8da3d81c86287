package main

import (
	"encoding/json"
	"fmt"
	"io"
)

type okResult struct {
	OK bool `json:"ok"`
}

type recoverResult struct {
	Recovered []string `json:"recovered"`
}

type releaseResult struct {
	Owner    string `json:"owner"`
	Released []int  `json:"released"`
}

type reservation struct {
	Port  int    `json:"port"`
	Owner string `json:"owner,omitempty"`
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
