// Package worker implements the request interceptor that sits between a page
// and its origin. A Worker is one installed version: Install primes its named
// cache from the seed list, Activate makes it the controller, and Intercept
// answers requests with a network-first policy that may fall back to the
// cache. A Registration owns the versions of one scope, the page clients it
// has seen, and the claim step that moves open pages onto a newly activated
// version without a reload.
//
// The decision policy (Decide) and the lifecycle (Transition) are pure
// functions so each event can be simulated without a network or a browser.
package worker
