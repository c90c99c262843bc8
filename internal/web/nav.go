package web

import "strings"

// NavItem is one sidebar entry.
type NavItem struct {
	Label  string
	Href   string
	Active bool
}

var navItems = []NavItem{
	{Label: "Dashboard", Href: "/dashboard"},
	{Label: "Register", Href: "/dashboard/register"},
	{Label: "Reports", Href: "/dashboard/reports"},
	{Label: "Logs", Href: "/dashboard/logs"},
}

// Navigation returns the sidebar with the entry for path marked active. The
// longest matching prefix wins, so /dashboard/reports does not also light up
// Dashboard. Cow pages belong to Dashboard.
func Navigation(path string) []NavItem {
	items := make([]NavItem, len(navItems))
	copy(items, navItems)

	best := -1
	for i, item := range items {
		if path == item.Href || strings.HasPrefix(path, item.Href+"/") {
			if best < 0 || len(item.Href) > len(items[best].Href) {
				best = i
			}
		}
	}
	if best >= 0 {
		items[best].Active = true
	}
	return items
}
