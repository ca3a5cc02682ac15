package fn

import "sync"

// ParMapResult applies f to each item with bounded concurrency,
// returning Results in the same order as items. The embed handler uses
// this to fan a batch of chunks out across Workers embedding calls
// (spec §4.2's gen_embeddings_parallel variant) while still reporting
// exactly which chunk failed.
func ParMapResult[T, U any](items []T, workers int, f func(T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	var wg sync.WaitGroup

	if workers <= 0 {
		workers = len(items)
	}
	if workers == 0 {
		return out
	}

	sem := make(chan struct{}, workers)
	for i, v := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(v)
		}(i, v)
	}
	wg.Wait()
	return out
}
