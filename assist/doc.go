// Package assist generates and optimizes code with a hosted language model.
//
// The model is reached through its OpenAI-compatible chat completions
// endpoint, Gemini's by default. Calls never fail: problems come back as
// text starting with "Error:", the same way run failures are reported in
// sandbox.Result.
//
// Usage:
//
//	c := assist.New(baseURL, "gemini-1.5-flash", time.Minute, logger)
//	code := c.Generate(ctx, "print the first 10 primes", "python", apiKey)
package assist
