// Package project provides project and task persistence for Crewdeck Core.
//
// Projects carry a member list; tasks belong to exactly one project. Room
// IDs on the real-time channel are project IDs, so the membership stored
// here is what the HTTP layer consults before handing out access.
package project
