package main

import (
	"os"
)

// crashWriter appends whatever is written to it to a fixed file path,
// opening and closing the file on every write so a panic handler can use
// it without holding a descriptor open across the process's whole
// lifetime.
type crashWriter struct {
	fileName string
}

func (w *crashWriter) Write(p []byte) (n int, err error) {
	f, err := os.OpenFile(w.fileName, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	n, err = f.Write(p)

	return
}
