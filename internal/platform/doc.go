// Package platform hosts the worker lifecycle for one application.
//
// A Host plays the part the browser plays for a service worker: it registers
// new versions, runs install, activates once skip-waiting is signalled, and
// decides which version controls incoming fetch events. A version that
// claimed clients takes control immediately; otherwise it takes control at the
// next navigation request.
package platform
